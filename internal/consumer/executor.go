package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentnet/internal/config"
	"agentnet/internal/models"
)

// Result is what an executor reports after working a task. A nil error from
// Execute means the task completed; a non-nil error fails it with the error
// text carried in the completion report.
type Result struct {
	Summary      string
	Deliverables []string
}

// Executor performs the actual work for an assigned task.
type Executor interface {
	Execute(ctx context.Context, task models.Task) (Result, error)
}

// NewExecutor builds the executor selected by configuration.
func NewExecutor(cfg config.Config, logger *log.Logger) (Executor, error) {
	if logger == nil {
		logger = log.Default()
	}
	switch cfg.Executor {
	case "static":
		return StaticExecutor{}, nil
	case "script":
		return &ScriptExecutor{Script: cfg.ExecutorScript, Logger: logger}, nil
	case "handoff":
		return &HandoffExecutor{Dir: cfg.HandoffDir, Timeout: cfg.HandoffTimeout, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}
}

// StaticExecutor simulates work and is the default. Requirement strings steer
// it: "should_fail" fails the task, "duration=<dur>" sleeps before reporting.
type StaticExecutor struct {
	Delay time.Duration
}

func (e StaticExecutor) Execute(ctx context.Context, task models.Task) (Result, error) {
	delay := e.Delay
	shouldFail := false
	for _, req := range task.Requirements {
		if req == "should_fail" {
			shouldFail = true
		}
		if v, ok := strings.CutPrefix(req, "duration="); ok {
			if d, err := time.ParseDuration(v); err == nil {
				delay = d
			}
		}
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if shouldFail {
		return Result{}, errors.New("simulated failure requested by requirements")
	}
	return Result{Summary: "completed: " + task.Description}, nil
}

// ScriptExecutor runs an external program with the task JSON on stdin and the
// task id as its argument. Exit status decides the result; combined output
// becomes the summary.
type ScriptExecutor struct {
	Script  string
	Timeout time.Duration
	Logger  *log.Logger
}

func (e *ScriptExecutor) Execute(ctx context.Context, task models.Task) (Result, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return Result{}, fmt.Errorf("marshal task: %w", err)
	}
	if e.Logger != nil {
		e.Logger.Printf("running %s %s", e.Script, task.ID)
	}
	cmd := exec.CommandContext(ctx, e.Script, task.ID)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.CombinedOutput()
	summary := truncate(strings.TrimSpace(string(out)), 500)
	if err != nil {
		if summary != "" {
			return Result{Summary: summary}, fmt.Errorf("script %s: %w: %s", filepath.Base(e.Script), err, summary)
		}
		return Result{}, fmt.Errorf("script %s: %w", filepath.Base(e.Script), err)
	}
	if summary == "" {
		summary = "script completed"
	}
	return Result{Summary: summary}, nil
}

// HandoffExecutor hands the task to a human or external tool through the
// filesystem: it writes <dir>/<task_id>/task.json and waits until a
// result.json appears next to it. Writers should create the result file
// atomically (write to a temporary name, then rename) so a partial file is
// never picked up.
type HandoffExecutor struct {
	Dir     string
	Timeout time.Duration // zero waits until the context is cancelled
	Logger  *log.Logger
}

type handoffResult struct {
	Status       models.TaskStatus `json:"status"`
	Summary      string            `json:"summary,omitempty"`
	Deliverables []string          `json:"deliverables,omitempty"`
	Error        string            `json:"error,omitempty"`
}

func (e *HandoffExecutor) Execute(ctx context.Context, task models.Task) (Result, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	taskDir := filepath.Join(e.Dir, task.ID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("prepare handoff dir: %w", err)
	}
	payload, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal task: %w", err)
	}
	if err := os.WriteFile(filepath.Join(taskDir, "task.json"), payload, 0o644); err != nil {
		return Result{}, fmt.Errorf("write task file: %w", err)
	}
	resultPath := filepath.Join(taskDir, "result.json")
	e.logger().Printf("handoff: waiting for %s", resultPath)

	events := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.logger().Printf("handoff: fsnotify unavailable, polling only: %v", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(taskDir); err != nil {
			e.logger().Printf("handoff: watch %s: %v", taskDir, err)
		} else {
			go func() {
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if filepath.Base(ev.Name) == "result.json" && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
							select {
							case events <- struct{}{}:
							default:
							}
						}
					case _, ok := <-watcher.Errors:
						if !ok {
							return
						}
					}
				}
			}()
		}
	}

	// Poll as well: not every filesystem delivers events.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		if res, done, err := e.collect(resultPath); done {
			return res, err
		}
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("waiting for %s: %w", resultPath, ctx.Err())
		case <-events:
		case <-ticker.C:
		}
	}
}

// collect reads the result file. A missing or not-yet-parseable file means
// the handoff is still in flight.
func (e *HandoffExecutor) collect(path string) (Result, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, true, fmt.Errorf("read result file: %w", err)
	}
	var hr handoffResult
	if err := json.Unmarshal(data, &hr); err != nil {
		e.logger().Printf("handoff: %s not parseable yet: %v", path, err)
		return Result{}, false, nil
	}
	res := Result{Summary: hr.Summary, Deliverables: hr.Deliverables}
	switch hr.Status {
	case models.StatusCompleted:
		return res, true, nil
	case models.StatusFailed:
		msg := hr.Error
		if msg == "" {
			msg = "handoff reported failure"
		}
		return res, true, errors.New(msg)
	default:
		return res, true, fmt.Errorf("result file has status %q, want completed or failed", hr.Status)
	}
}

func (e *HandoffExecutor) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
