package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/clusterd/internal/logger"
)

// Lifecycle events.
const (
	EventInit     = "init"
	EventSetup    = "setup"
	EventStartup  = "startup"
	EventShutdown = "shutdown"
)

// DefaultTimeout bounds a single script run.
const DefaultTimeout = 30 * time.Second

// Runner runs the scripts for an event.
type Runner interface {
	Run(ctx context.Context, event string, args ...string) error
}

// Noop succeeds for every event.
type Noop struct{}

// Run implements Runner.
func (Noop) Run(context.Context, string, ...string) error { return nil }

// ScriptError reports a failed event script.
type ScriptError struct {
	Script string
	Event  string
	Output string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("event script %s (%s) failed: %v", e.Script, e.Event, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// ExitCode returns the script's exit status, or -1 if it did not exit
// normally.
func (e *ScriptError) ExitCode() int {
	var ee *exec.ExitError
	if errors.As(e.Err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Scripts runs event scripts from a directory.
type Scripts struct {
	Dir     string
	Timeout time.Duration
	log     *zap.Logger
}

// NewScripts returns a runner for dir. An empty dir runs nothing.
func NewScripts(dir string) *Scripts {
	return &Scripts{Dir: dir, Timeout: DefaultTimeout, log: logger.Named("hooks")}
}

// Run runs every script for event.
func (s *Scripts) Run(ctx context.Context, event string, args ...string) error {
	scripts, err := s.list()
	if err != nil {
		return err
	}
	for _, path := range scripts {
		if err := s.runOne(ctx, path, event, args); err != nil {
			return err
		}
	}
	s.log.Debug("event done", zap.String("event", event), logger.Count(len(scripts)))
	return nil
}

func (s *Scripts) list() ([]string, error) {
	if s.Dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read event script dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode().Perm()&0o111 == 0 {
			continue
		}
		out = append(out, filepath.Join(s.Dir, e.Name()))
	}
	slices.Sort(out)
	return out, nil
}

func (s *Scripts) runOne(ctx context.Context, path, event string, args []string) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path, append([]string{event}, args...)...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		s.log.Error("event script failed",
			zap.String("script", filepath.Base(path)),
			zap.String("event", event),
			zap.String("output", out.String()),
			logger.Err(err))
		return &ScriptError{Script: filepath.Base(path), Event: event, Output: out.String(), Err: err}
	}
	s.log.Debug("event script ok",
		zap.String("script", filepath.Base(path)),
		zap.String("event", event),
		zap.Duration("took", time.Since(start)))
	return nil
}
