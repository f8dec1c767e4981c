// Package cmdrun runs external tools (poppler, tesseract) with a hard cap on
// captured stdout so a hostile document cannot exhaust memory.
package cmdrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"unicode/utf8"
)

// ErrOutputLimit is returned when stdout reaches the capture limit.
var ErrOutputLimit = errors.New("output exceeds limit")

// ErrNotInstalled wraps exec.ErrNotFound for a missing binary.
var ErrNotInstalled = errors.New("binary not installed")

// CaptureLimited runs the command and returns stdout (at most maxBytes-1
// bytes) and the trimmed stderr.
func CaptureLimited(ctx context.Context, maxBytes int64, name string, args ...string) (stdout string, stderr string, err error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", fmt.Errorf("stdout pipe: %w", err)
	}

	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", "", fmt.Errorf("%s: %w", name, ErrNotInstalled)
		}
		return "", "", fmt.Errorf("start %s: %w", name, err)
	}

	lr := io.LimitReader(stdoutPipe, maxBytes)
	outBytes, readErr := io.ReadAll(lr)
	if int64(len(outBytes)) >= maxBytes {
		// Unblock a writer stuck on a full pipe before waiting.
		_ = cmd.Process.Kill()
	}

	waitErr := cmd.Wait()
	stderrStr := strings.TrimSpace(errBuf.String())

	if readErr != nil {
		return "", stderrStr, fmt.Errorf("read stdout: %w", readErr)
	}
	if int64(len(outBytes)) >= maxBytes {
		return "", stderrStr, ErrOutputLimit
	}
	if waitErr != nil {
		return "", stderrStr, waitErr
	}
	return string(outBytes), stderrStr, nil
}

// Run executes the command discarding stdout and returns the trimmed stderr.
func Run(ctx context.Context, name string, args ...string) (stderr string, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%s: %w", name, ErrNotInstalled)
		}
		return strings.TrimSpace(errBuf.String()), err
	}
	return strings.TrimSpace(errBuf.String()), nil
}

// Truncate keeps at most max bytes of s for log lines and error
// messages, cutting on a rune boundary so Vietnamese text stays valid UTF-8.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func ContainsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
