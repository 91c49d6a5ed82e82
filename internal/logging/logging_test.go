package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentFollowsInit(t *testing.T) {
	log := Component("sampler")

	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)
	defer Init(slog.LevelInfo, false)

	log.Info("batch stored", "key", "00")
	log.Debug("hidden")
	out := buf.String()
	if !strings.Contains(out, "component=sampler") || !strings.Contains(out, "msg=\"batch stored\"") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelDebug, true)
	defer Init(slog.LevelInfo, false)

	ctx := ContextWithRoute(ContextWithRequestID(context.Background(), 42), "/config")
	WithContext(ctx).Warn("rejected")
	out := buf.String()
	for _, want := range []string{`"request_id":42`, `"route":"/config"`, `"msg":"rejected"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q misses %s", out, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
