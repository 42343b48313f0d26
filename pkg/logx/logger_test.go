package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("discarded", String("k", "v"))
	if l.With(Int("n", 1)).IsZero() {
		t.Fatal("derived logger with fields should not be zero")
	}
}

func TestWithDoesNotAliasParentFields(t *testing.T) {
	t.Parallel()
	base := Nop().With(String("a", "1"))
	left := base.With(String("b", "2"))
	right := base.With(String("c", "3"))
	if len(left.fields) != 2 || len(right.fields) != 2 {
		t.Fatalf("fields = %d/%d, want 2/2", len(left.fields), len(right.fields))
	}
	if len(base.fields) != 1 {
		t.Fatalf("parent mutated: %d fields", len(base.fields))
	}
}

func TestFieldsRenderIntoEvent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	l := Logger{fixed: &zl}.Component("runner")
	l.Warn("run replaced", TaskID(7), PID(42), Command(strings.Repeat("x", 300)))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if m["comp"] != "runner" || m["task_id"] != float64(7) || m["pid"] != float64(42) {
		t.Fatalf("unexpected fields: %v", m)
	}
	if cmd, _ := m["command"].(string); len(cmd) != 203 {
		t.Fatalf("command not truncated: %d chars", len(cmd))
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v, want warn", m["level"])
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "panel.log")

	svc, log := New(Config{Level: "DEBUG", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Debug("hello file", String("k", "v"))
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "hello file") {
		t.Fatalf("log file missing entry: %q", string(b))
	}

	svc.Apply(Config{Level: "ERROR", File: FileConfig{Enabled: true, Path: path}})
	if log.Enabled(zerolog.InfoLevel) {
		t.Fatal("info should be disabled after Apply(ERROR)")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, lv := range []string{"", "debug", "INFO", "warning"} {
		if !ValidLevel(lv) {
			t.Errorf("ValidLevel(%q) = false", lv)
		}
	}
	if lv, err := ParseLevel("Warning"); err != nil || lv != zerolog.WarnLevel {
		t.Errorf("ParseLevel(Warning) = %v, %v", lv, err)
	}
	if ValidLevel("loud") {
		t.Error("ValidLevel(loud) = true")
	}
}
