package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSender struct {
	mu   sync.Mutex
	sent []string
	to   []string
}

func (c *captureSender) Send(_ context.Context, recipient, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.to = append(c.to, recipient)
	c.sent = append(c.sent, payload)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
	l.With(JobID("x")).Error("dropped")
}

func TestApplyChangesLevel(t *testing.T) {
	var buf bytes.Buffer
	svc, log := New(Config{Level: "info", Console: true, Output: &buf})
	defer svc.Close()

	log.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug entry written at info level")
	}

	svc.Apply(Config{Level: "debug", Console: true, Output: &buf})
	log.Debug("visible", JobID("j1"))
	out := buf.String()
	if !strings.Contains(out, "visible") || !strings.Contains(out, "j1") {
		t.Fatalf("debug entry missing after Apply: %q", out)
	}
}

func TestAlertSinkForwardsErrors(t *testing.T) {
	var buf bytes.Buffer
	sender := &captureSender{}
	svc, log := New(Config{Level: "info", Console: true, Output: &buf})
	defer svc.Close()
	svc.SetAlertSender(sender)
	svc.Apply(Config{
		Level:   "info",
		Console: true,
		Output:  &buf,
		Alerts:  AlertsConfig{Enabled: true, Recipient: "42", MinLevel: "error", RatePerSec: 10},
	})

	log.Warn("below threshold")
	log.Error("dispatch failed", JobID("abc"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("alerts sent = %d, want 1", sender.count())
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.to[0] != "42" {
		t.Fatalf("recipient = %q", sender.to[0])
	}
	if !strings.HasPrefix(sender.sent[0], "[ERROR] dispatch failed") || !strings.Contains(sender.sent[0], "job_id=abc") {
		t.Fatalf("alert text = %q", sender.sent[0])
	}
}

func TestFormatAlertNonJSON(t *testing.T) {
	if got := formatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatAlert = %q", got)
	}
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"", "debug", "WARN", "warning", "error"} {
		if !ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q) = false", lvl)
		}
	}
	if ValidLevel("loud") {
		t.Fatalf("ValidLevel(loud) = true")
	}
}
