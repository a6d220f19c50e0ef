package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  max_workers: 4
  timeout: 30s
  backpressure_threshold: 10
  backpressure_queue_max: 40
storage:
  driver: file
  path: ./data
status_report:
  enabled: true
  schedule: "@every 30s"
`

func TestParseBytesYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("offload.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.Scheduler.MaxWorkers != 4 || cfg.Scheduler.Timeout != "30s" || cfg.Storage.Driver != "file" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	js, err := ParseBytes("offload.json", []byte(`{"logging":{"level":"info","console":false,"file":{"enabled":false,"path":""}},"scheduler":{"max_workers":2}}`))
	if err != nil || js.Scheduler.MaxWorkers != 2 {
		t.Fatalf("json: %+v %v", js, err)
	}
}

func TestExampleConfigValidates(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join("..", "..", "examples", "offload.yaml"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Admin == nil || !cfg.Admin.Enabled || cfg.Scripts.Dir == "" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseBytesIsStrict(t *testing.T) {
	t.Parallel()
	if _, err := ParseBytes("c.json", []byte(`{"scheduler":{"workers":2}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := ParseBytes("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestParseBytesFormats(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("offload.conf", []byte("scheduler:\n  max_workers: 3\n"))
	if err != nil || cfg.Scheduler.MaxWorkers != 3 {
		t.Fatalf("sniffed yaml: %+v %v", cfg, err)
	}
	cfg, err = ParseBytes("offload.conf", []byte(` {"scheduler":{"max_workers":5}}`))
	if err != nil || cfg.Scheduler.MaxWorkers != 5 {
		t.Fatalf("sniffed json: %+v %v", cfg, err)
	}
	if _, err := ParseBytes("offload.yaml", []byte("")); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
	if _, err := ParseBytes("offload.yaml", []byte("scheduler: {}\n---\nscheduler: {}\n")); err == nil {
		t.Fatal("expected multi-document error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Scheduler: SchedulerConfig{
			Timeout:               "soon",
			BackpressureThreshold: 50,
			BackpressureQueueMax:  10,
		},
		Storage:      &StorageConfig{Driver: "redis"},
		StatusReport: &StatusReportConfig{Enabled: true, Schedule: "every day"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"scheduler.timeout", "backpressure_queue_max", "storage.driver", "status_report.schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default: %s %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("explicit: %s %v", d, err)
	}
	if d, err := ParseDurationField("x", "1500"); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("milliseconds: %s %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected negative duration error")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Scheduler: SchedulerConfig{Timeout: "10s"}}
	b := &Config{Scheduler: SchedulerConfig{Timeout: "20s", MaxWorkers: 3}}
	changed, attrs := SummarizeConfigChange(a, b)
	if len(changed) != 1 || changed[0] != "scheduler" || len(attrs) == 0 {
		t.Fatalf("changed=%v attrs=%d", changed, len(attrs))
	}
	if !RestartRequired(a.Scheduler, b.Scheduler) {
		t.Fatal("max_workers change must require a restart")
	}
	if RestartRequired(a.Scheduler, SchedulerConfig{Timeout: "1m"}) {
		t.Fatal("timeout change is hot-reloadable")
	}
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "offload.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if ok, err := m.Reload(context.Background()); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	bad := strings.Replace(sampleYAML, "timeout: 30s", "timeout: later", 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(context.Background()); ok || err == nil {
		t.Fatalf("invalid reload = %v, %v", ok, err)
	}
	if m.Get().Scheduler.Timeout != "30s" {
		t.Fatal("invalid config was committed")
	}

	good := strings.Replace(sampleYAML, "timeout: 30s", "timeout: 45s", 1)
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("valid reload = %v, %v", ok, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Scheduler.Timeout != "45s" {
			t.Fatalf("published timeout = %s", cfg.Scheduler.Timeout)
		}
	default:
		t.Fatal("no config published")
	}
}

func TestWatchPicksUpFileChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "offload.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	good := strings.Replace(sampleYAML, "max_workers: 4", "max_workers: 6", 1)
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Scheduler.MaxWorkers != 6 {
			t.Fatalf("max_workers = %d", cfg.Scheduler.MaxWorkers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not publish the change")
	}
}
