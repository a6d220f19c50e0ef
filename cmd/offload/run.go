package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"offload/internal/scheduler"
	"offload/internal/scripts"
	"offload/internal/worker"
	logx "offload/pkg/logx"
)

type runOptions struct {
	taskType   string
	count      int
	data       string
	priority   string
	script     string
	scriptsDir string
	workers    int
	timeout    time.Duration
	logLevel   string
}

func newRunCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a one-off batch of tasks and print the results",
		Example: `  offload run --type double --count 5
  offload run --type checksum --data '{"text":"task {{i}}","rounds":1000}'
  offload run --script fib.js --scripts-dir ./scripts --type fib --data '{"n":{{i}}}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.taskType, "type", "t", "double", "task type")
	f.IntVarP(&o.count, "count", "n", 10, "number of tasks")
	f.StringVar(&o.data, "data", `{"n":{{i}}}`, "task payload (JSON); {{i}} is replaced by the task index")
	f.StringVarP(&o.priority, "priority", "p", "medium", "task priority (high, medium, low)")
	f.StringVar(&o.script, "script", "", "worker script (default pool when empty)")
	f.StringVar(&o.scriptsDir, "scripts-dir", "", "directory holding *.js worker scripts")
	f.IntVarP(&o.workers, "workers", "w", 0, "default pool size (0 = min(NumCPU, 8))")
	f.DurationVar(&o.timeout, "timeout", 0, "per-task timeout (0 = 300s)")
	f.StringVar(&o.logLevel, "log-level", "warn", "log level")
	return cmd
}

func runBatch(ctx context.Context, out io.Writer, o runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.count <= 0 {
		return fmt.Errorf("--count must be > 0")
	}
	prio, err := scheduler.ParsePriority(o.priority)
	if err != nil {
		return err
	}

	reg := worker.NewRegistry()
	scripts.Register(reg)
	factory := worker.Router{Native: reg}
	if o.scriptsDir != "" {
		factory.JS = worker.NewJSFactory(o.scriptsDir)
	}
	m, err := scheduler.New(scheduler.Config{
		MaxWorkers: o.workers,
		Timeout:    o.timeout,
	}, scheduler.WithFactory(factory), scheduler.WithLogger(logx.NewConsole(o.logLevel)))
	if err != nil {
		return err
	}
	defer m.Terminate()

	tasks := make([]scheduler.Task, o.count)
	for i := range tasks {
		raw := strings.ReplaceAll(o.data, "{{i}}", strconv.Itoa(i))
		if raw != "" && !json.Valid([]byte(raw)) {
			return fmt.Errorf("--data is not valid JSON for task %d: %s", i, raw)
		}
		tasks[i] = scheduler.Task{
			ID:       fmt.Sprintf("run-%d", i),
			Type:     o.taskType,
			Script:   o.script,
			Priority: prio,
		}
		if raw != "" {
			tasks[i].Data = json.RawMessage(raw)
		}
	}

	start := time.Now()
	results, err := m.ProcessBatch(ctx, tasks)
	if err != nil {
		return err
	}
	took := time.Since(start)

	for i, r := range results {
		fmt.Fprintf(out, "%s\t%s\n", tasks[i].ID, r)
	}
	st := m.Status()
	rate := float64(len(results)) / max(took.Seconds(), 1e-9)
	fmt.Fprintf(out, "%s tasks in %s (%s/s) on %d workers\n",
		humanize.Comma(int64(len(results))), took.Round(time.Microsecond), humanize.FormatFloat("#,###.#", rate), st.TotalWorkers)
	return nil
}
