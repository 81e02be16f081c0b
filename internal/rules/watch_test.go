package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsline/anomalyd/internal/logger"
	"github.com/opsline/anomalyd/internal/schema"
)

func writeRules(t *testing.T, path, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	writeRules(t, path, "thresholds:\n  svc:\n    x: 100\n")

	cond, alerts, err := LoadFile(path)
	require.NoError(t, err)
	set := NewSet(cond, alerts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, set, logger.Nop()) }()

	// Give the watcher time to install before rewriting.
	time.Sleep(200 * time.Millisecond)
	writeRules(t, path, "thresholds:\n  svc:\n    x: 5\n")

	probe := &schema.ParsedRecord{
		Service: "svc",
		Fields:  map[string]schema.FieldValue{"x": schema.Number(50)},
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		if violated, _ := set.Evaluate(probe); violated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rules were not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchKeepsRulesOnBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	writeRules(t, path, "thresholds:\n  svc:\n    x: 5\n")

	cond, _, err := LoadFile(path)
	require.NoError(t, err)
	set := NewSet(cond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Watch(ctx, path, set, logger.Nop()) }()

	time.Sleep(200 * time.Millisecond)
	writeRules(t, path, "thresholds: [broken\n")
	time.Sleep(500 * time.Millisecond)

	probe := &schema.ParsedRecord{
		Service: "svc",
		Fields:  map[string]schema.FieldValue{"x": schema.Number(50)},
	}
	violated, _ := set.Evaluate(probe)
	assert.True(t, violated, "previous rules stay active after a bad reload")
}
