// Package logx configures remindbot's structured logging.
//
// Logger is a small wrapper on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional alert sink that forwards errors to a chat (min-level + rate limiting)
package logx
