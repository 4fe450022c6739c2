package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coldbell/p2pswap/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw     string
		want    slog.Level
		wantErr bool
	}{
		{raw: "", want: slog.LevelInfo},
		{raw: "DEBUG", want: slog.LevelDebug},
		{raw: " warning ", want: slog.LevelWarn},
		{raw: "error", want: slog.LevelError},
		{raw: "trace", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := parseLevel(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseLevel: %v", err)
			}
			if got != tc.want {
				t.Errorf("level = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "svc.log")
	logger, closeLogger, err := New("ledger-node", config.LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("slot advanced", "slot", 7)
	if err := closeLogger(); err != nil {
		t.Fatalf("close: %v", err)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(body), &line); err != nil {
		t.Fatalf("decode log line %q: %v", body, err)
	}
	if line["service"] != "ledger-node" || line["msg"] != "slot advanced" || line["slot"] != float64(7) {
		t.Errorf("log line = %v", line)
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	cases := []config.LogConfig{
		{Format: "xml"},
		{Output: "syslog"},
		{Level: "loud"},
	}
	for _, cfg := range cases {
		if _, _, err := New("svc", cfg); err == nil {
			t.Errorf("New(%+v) succeeded, want error", cfg)
		}
	}
}

func TestStoreLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	exitCode := -1
	sl := NewStoreLogger(base)
	sl.exit = func(code int) { exitCode = code }

	sl.Infof("flushed memtable %d\n", 3)
	sl.Errorf("background error: %s", "disk")
	sl.Fatalf("corruption")

	out := buf.String()
	for _, want := range []string{"component=store", `msg="flushed memtable 3"`, "level=ERROR", "fatal=true"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if exitCode != 1 {
		t.Errorf("exit code = %d, want 1", exitCode)
	}
}
