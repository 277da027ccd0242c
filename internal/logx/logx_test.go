package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithWindowAddsFields(t *testing.T) {
	capture := &logCapture{}
	log := WithWindow(newCaptureLogger(capture), 3, 20)
	log.Info("hello")

	entry := capture.firstEntry(t)
	if fmt.Sprint(entry["window"]) != "3" {
		t.Fatalf("expected window field, got %+v", entry)
	}
	if fmt.Sprint(entry["window_size"]) != "20" {
		t.Fatalf("expected window_size field, got %+v", entry)
	}
}

func TestWithWindowSkipsZeroID(t *testing.T) {
	capture := &logCapture{}
	log := WithWindow(newCaptureLogger(capture), 0, 0)
	log.Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["window"]; ok {
		t.Fatalf("did not expect window field for zero id")
	}
}

func TestWithSessionSourceAddsFields(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	log := WithSessionSource(ctx, "s1", "people")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["session"] != "s1" {
		t.Fatalf("expected session field, got %+v", entry)
	}
	if entry["source"] != "people" {
		t.Fatalf("expected source field, got %+v", entry)
	}
}

func TestWithSessionDeduplicatesMarkedContext(t *testing.T) {
	capture := &logCapture{}
	base := newCaptureLogger(capture).With("session", "s1")
	ctx := ContextWithSessionLogger(context.Background(), base, "s1", "")
	WithSession(ctx, "s1").Info("hello")

	line := capture.buf.String()
	if n := bytes.Count([]byte(line), []byte(`"session"`)); n != 1 {
		t.Fatalf("expected one session field, got %d in %s", n, line)
	}
}

func TestCopyContextFields(t *testing.T) {
	src := ContextWithSource(ContextWithSession(context.Background(), "s1"), "people")
	dst := CopyContextFields(context.Background(), src)
	if dst.Value(sessionKey) != src.Value(sessionKey) {
		t.Fatalf("session marker not copied")
	}
	if dst.Value(sourceKey) != src.Value(sourceKey) {
		t.Fatalf("source marker not copied")
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
