package channel

import (
	"context"

	logx "remindbot/pkg/logx"
)

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(ctx context.Context, recipient, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Log.Info("dry-run send", logx.String("recipient", recipient), logx.Int("bytes", len(payload)))
	return nil
}
