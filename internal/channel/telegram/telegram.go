// Package telegram delivers reminders through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"remindbot/internal/channel"
	logx "remindbot/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (local bot server, tests).
	APIURL  string
	Timeout time.Duration
	// Offline skips the getMe call at construction.
	Offline bool
}

// Sender implements channel.Sender. Recipients are numeric chat ids,
// optionally suffixed with ":<thread id>" for forum topics.
type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.APIURL),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{bot: b, log: log}, nil
}

func (s *Sender) Send(ctx context.Context, recipient, payload string) error {
	chatID, threadID, err := ParseRecipient(recipient)
	if err != nil {
		return channel.Permanent(err)
	}

	chunks := splitText(payload, textLimit)
	chat := &tele.Chat{ID: chatID}
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			ThreadID:              threadID,
			DisableWebPagePreview: true,
		})
		if err == nil {
			continue
		}
		if i > 0 {
			// Earlier chunks were delivered; a retry would duplicate them.
			return channel.Permanent(fmt.Errorf("partial delivery (%d/%d chunks): %w", i, len(chunks), err))
		}
		return Classify(err)
	}
	return nil
}

// ParseRecipient parses "<chat id>" or "<chat id>:<thread id>".
func ParseRecipient(recipient string) (int64, int, error) {
	r := strings.TrimSpace(recipient)
	chatPart, threadPart, hasThread := strings.Cut(r, ":")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("invalid telegram recipient %q: want numeric chat id", recipient)
	}
	threadID := 0
	if hasThread {
		threadID, err = strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("invalid telegram thread id in %q", recipient)
		}
	}
	return chatID, threadID, nil
}

var reAPICode = regexp.MustCompile(`\((\d{3})\)\s*$`)

// Classify maps Bot API failures onto transient and permanent errors.
//
//   - 429 flood control: transient, with the server's retry_after hint
//   - 400/403/404 (chat not found, blocked, kicked, deactivated): permanent
//   - 401, 5xx, network and timeouts: transient
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return channel.RetryAfter(channel.Transient(err), time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return channel.RetryAfter(channel.Transient(err), time.Duration(floodPtr.RetryAfter)*time.Second)
	}

	code := 0
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		code = apiErr.Code
	} else if m := reAPICode.FindStringSubmatch(err.Error()); len(m) == 2 {
		code, _ = strconv.Atoi(m[1])
	}

	switch {
	case code == http.StatusTooManyRequests:
		return channel.Transient(err)
	case code == http.StatusBadRequest, code == http.StatusForbidden, code == http.StatusNotFound:
		return channel.Permanent(err)
	case code != 0:
		return channel.Transient(err)
	}

	// Network errors and timeouts.
	return channel.Transient(err)
}

// splitText splits s into chunks of at most limit runes, preferring newline
// boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
