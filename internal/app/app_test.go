package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/reminder"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := map[string]any{
		"logging":    map[string]any{"level": "error"},
		"scheduler":  map[string]any{"timezone": "UTC"},
		"dispatcher": map[string]any{"workers": 2, "backoff_base": "10ms"},
		"storage":    map[string]any{"driver": "memory"},
		"channel":    map[string]any{"driver": "log"},
		"records":    map[string]any{"path": filepath.Join(dir, "records.jsonl")},
		"http":       map[string]any{"addr": "127.0.0.1:0"},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestAppDeliversSubmittedReminder(t *testing.T) {
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	// The current minute is already due, so the job fires right away.
	now := time.Now().UTC()
	body := `{"name":"Ana","recipient":"42","date":"` + now.Format("2006-01-02") +
		`","time":"` + now.Format("15:04") + `","message":"see you"}`
	resp, err := http.Post("http://"+a.Addr().String()+"/add-client", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := a.store.Get(context.Background(), out["id"])
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Status == reminder.StatusSent {
			if job.Attempts != 1 {
				t.Fatalf("attempts = %d", job.Attempts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job still %s", job.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	rec, err := os.ReadFile(filepath.Join(dir, "records.jsonl"))
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if !strings.Contains(string(rec), out["id"]) {
		t.Fatalf("records missing job id: %s", rec)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	a, err := NewApp(writeConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Stop(context.Background(), StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Stop(context.Background(), StopSIGTERM); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"channel":{"driver":"log"},"scheduler":{"timezone":"Mars/Base"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}

func TestMappingsApplyDefaults(t *testing.T) {
	cfg := &config.Config{}
	dc, err := mapDispatcherConfig(cfg)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	if dc.BackoffBase != 500*time.Millisecond || dc.BackoffMax != 30*time.Second || dc.SendTimeout != 15*time.Second {
		t.Fatalf("dispatcher defaults = %+v", dc)
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	if sc.Path != "./data/remindbot.db" {
		t.Fatalf("storage path = %q", sc.Path)
	}
	rc, err := mapRetentionConfig(cfg)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if rc.MaxAge != 720*time.Hour {
		t.Fatalf("max age = %v", rc.MaxAge)
	}
	if httpAddr(cfg) != ":3000" {
		t.Fatalf("addr = %q", httpAddr(cfg))
	}

	cfg.Dispatcher.SendTimeout = "later"
	if err := validateMappings(cfg); err == nil {
		t.Fatalf("expected mapping error")
	}
}
