package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/logger"
)

func TestJobContextTagsLogsAndOutlivesCaller(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(&logger.Config{Level: "info", Format: "json", Output: &buf})
	parent, cancel := context.WithCancel(l.WithContext(context.Background()))

	ctx := jobContext(parent, "job-7", domain.JobKindSteamPrice)
	cancel()
	if ctx.Err() != nil {
		t.Fatalf("loop context cancelled with its caller: %v", ctx.Err())
	}

	logger.CtxInfo(ctx, "tick")
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	want := map[string]string{
		logger.FieldJobID:     "job-7",
		logger.FieldKind:      "steamprice",
		logger.FieldComponent: "scheduler",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("%s = %v, want %q", k, line[k], v)
		}
	}
}
