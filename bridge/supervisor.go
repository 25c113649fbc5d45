package bridge

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mew-space/mew/internal/retry"
	"github.com/mew-space/mew/telemetry"
)

// Spec describes how to spawn the subordinate MCP server process.
type Spec struct {
	Command string
	Args    []string
	Env     []string
}

// maxConsecutiveFailures caps subordinate restart attempts before the
// supervisor gives up and leaves the bridge in a failed state.
const maxConsecutiveFailures = 8

// supervisor owns the subordinate process's lifecycle: spawn, handshake,
// restart-on-crash with backoff.
type supervisor struct {
	spec   Spec
	logger telemetry.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	codec      *codec
	restarting bool
	failures   int
}

func newSupervisor(spec Spec, logger telemetry.Logger) *supervisor {
	return &supervisor{spec: spec, logger: logger}
}

// spawn starts the subordinate and wires its stdio to a codec. The caller is
// responsible for running the initialize handshake afterward.
func (s *supervisor) spawn(ctx context.Context) (*codec, error) {
	cmd := exec.CommandContext(ctx, s.spec.Command, s.spec.Args...)
	cmd.Env = s.spec.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening subordinate stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening subordinate stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting subordinate: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.codec = newCodec(stdin, stdout)
	s.mu.Unlock()

	return s.codec, nil
}

// wait blocks until the subordinate exits, returning its exit error (nil for
// a clean exit).
func (s *supervisor) wait() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return cmd.Wait()
}

// restartLoop respawns the subordinate on crash with capped exponential
// backoff, calling onReady after each successful handshake and onCrash
// before each restart attempt. It returns when ctx is cancelled, when the
// subordinate exits cleanly (nil), or when the consecutive-failure threshold
// is exceeded.
func (s *supervisor) restartLoop(ctx context.Context, handshake func(ctx context.Context, c *codec) error, onReady func(*codec), onCrash func(error)) error {
	cfg := retry.Config{
		MaxAttempts:       maxConsecutiveFailures,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.2,
	}
	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		c, err := s.spawn(ctx)
		if err != nil {
			return err
		}
		if err := handshake(ctx, c); err != nil {
			return err
		}
		onReady(c)
		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()

		exitErr := s.wait()
		if exitErr != nil {
			onCrash(exitErr)
			return exitErr
		}
		return nil
	})
}
