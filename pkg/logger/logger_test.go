package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInitWritesAuditStream(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "app.log")
	auditLog := filepath.Join(dir, "audit", "audit.log")

	if err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{appLog},
		Audit:       AuditConfig{Enabled: true, Path: auditLog},
	}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{})
	})

	Named("verifier").Debug("debug entry")
	Audit().Info("verdict", "status", "MATCH")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, err := os.ReadFile(appLog)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), `"component":"verifier"`) {
		t.Fatalf("component attribute missing: %s", app)
	}

	file, err := os.Open(auditLog)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("audit log is empty")
	}
	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("audit entry is not JSON: %v", err)
	}
	if entry["status"] != "MATCH" || entry["stream"] != "audit" {
		t.Fatalf("unexpected audit entry %v", entry)
	}
}

func TestAuditFallsBackToDefault(t *testing.T) {
	if err := Init(Config{OutputPaths: []string{"stderr"}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if Audit() != L() {
		t.Fatalf("audit logger should be the default logger when disabled")
	}
}

func TestInitRejectsAuditWithoutPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestRotatingWriterRotatesAndPrunes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := newRotatingWriter(path, 10, 2, time.Hour)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	for _, line := range []string{"first-12\n", "second-1\n", "third-12\n", "fourth-1\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, _ := os.ReadFile(path)
	if string(current) != "fourth-1\n" {
		t.Fatalf("unexpected current file %q", current)
	}
	if b, _ := os.ReadFile(path + ".1"); string(b) != "third-12\n" {
		t.Fatalf("unexpected backup 1 %q", b)
	}
	if b, _ := os.ReadFile(path + ".2"); string(b) != "second-1\n" {
		t.Fatalf("unexpected backup 2 %q", b)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("backups beyond the limit must not exist")
	}

	w.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := w.Write([]byte("fifth-123\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".2"); !os.IsNotExist(err) {
		t.Fatalf("aged backups should be pruned")
	}
}
