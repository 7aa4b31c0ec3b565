// Package records keeps an append-only JSON Lines log of every accepted
// reminder submission. Nothing in the scheduling path reads it back.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrClosed = errors.New("record log closed")

// Record is one accepted submission. Keep it compact and schema-stable.
type Record struct {
	At        time.Time `json:"at"`
	Name      string    `json:"name,omitempty"`
	Recipient string    `json:"recipient"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Zone      string    `json:"zone,omitempty"`
	Message   string    `json:"message"`
	JobID     string    `json:"job_id"`
}

// Appender is the write side used by ingestion.
type Appender interface {
	Append(ctx context.Context, r Record) error
}

// Log appends records to a single file.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func Open(path string) (*Log, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("records path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Log{path: path, f: f}, nil
}

func (l *Log) Path() string { return l.path }

func (l *Log) Append(ctx context.Context, r Record) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	r.At = r.At.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrClosed
	}
	return json.NewEncoder(l.f).Encode(r)
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Discard drops every record.
type Discard struct{}

func (Discard) Append(context.Context, Record) error { return nil }
