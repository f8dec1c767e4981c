package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("CHECKPOINT_BACKEND", "file")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("CONFIG_FILE", "")
	return dir
}

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestUsage(t *testing.T) {
	setupEnv(t)
	if code, _, stderr := runCLI(t, ""); code != 2 || !strings.Contains(stderr, "usage: vnocr") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	if code, _, stderr := runCLI(t, "", "frobnicate"); code != 2 || !strings.Contains(stderr, "unknown command") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestCleanFromStdin(t *testing.T) {
	dir := setupEnv(t)
	reportPath := filepath.Join(dir, "audit.xlsx")
	code, stdout, stderr := runCLI(t, "Dia chi: 123\n", "clean", "-report", reportPath)
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	if stdout != "Địa chỉ: 123\n" {
		t.Fatalf("stdout = %q", stdout)
	}
	if fi, err := os.Stat(reportPath); err != nil || fi.Size() == 0 {
		t.Fatalf("report not written: %v", err)
	}
}

func TestCleanFromFile(t *testing.T) {
	dir := setupEnv(t)
	in := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(in, []byte("Dien thoai: 456"), 0o600); err != nil {
		t.Fatal(err)
	}
	code, stdout, _ := runCLI(t, "", "clean", in)
	if code != 0 || stdout != "Điện thoại: 456\n" {
		t.Fatalf("code=%d stdout=%q", code, stdout)
	}
}

func TestStatusUnknownSession(t *testing.T) {
	setupEnv(t)
	code, stdout, stderr := runCLI(t, "", "status", "nope")
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	var st map[string]any
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatal(err)
	}
	if st["exists"] != false || st["sessionId"] != "nope" {
		t.Fatalf("status = %v", st)
	}
}

func TestProcessRejectsNonPDF(t *testing.T) {
	dir := setupEnv(t)
	in := filepath.Join(dir, "notes.pdf")
	if err := os.WriteFile(in, []byte("plain text"), 0o600); err != nil {
		t.Fatal(err)
	}
	code, _, stderr := runCLI(t, "", "process", in)
	if code != 1 || !strings.Contains(stderr, "not a PDF") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestSweepEmpty(t *testing.T) {
	setupEnv(t)
	code, stdout, stderr := runCLI(t, "", "sweep", "-max-age", "1h")
	if code != 0 || !strings.Contains(stdout, "removed 0 checkpoints, 0 outputs and 0 temp files") {
		t.Fatalf("code=%d stdout=%q stderr=%q", code, stdout, stderr)
	}
}
