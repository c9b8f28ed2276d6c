// Package shutdown stops the components of a hub or webcam process in
// reverse start order once SIGTERM or SIGINT arrives. All components share
// one deadline; whatever has not stopped by then is skipped and the process
// exits non-zero.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds the whole shutdown sequence.
const DefaultTimeout = 30 * time.Second

// Component is one stop step. Shutdown must return once ctx is done.
type Component interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// Outcome records how a single component stopped.
type Outcome struct {
	Name     string
	Err      error
	Skipped  bool
	Duration time.Duration
}

// Coordinator runs the stop steps.
type Coordinator struct {
	timeout time.Duration
	log     *slog.Logger
	signals chan os.Signal

	mu    sync.Mutex
	steps []Component

	once     sync.Once
	done     chan struct{}
	outcomes []Outcome
	exitCode int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithSignalChannel replaces the OS signal subscription, for tests.
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) { c.signals = ch }
}

// NewCoordinator returns a Coordinator with no registered components.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout: DefaultTimeout,
		log:     slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register appends a component. The last one registered stops first.
func (c *Coordinator) Register(comp Component) {
	c.mu.Lock()
	c.steps = append(c.steps, comp)
	c.mu.Unlock()
	c.log.Debug("registered shutdown component", "name", comp.Name())
}

// WaitForSignal blocks until a termination signal arrives or ctx is done,
// then runs Shutdown.
func (c *Coordinator) WaitForSignal(ctx context.Context) {
	sigs := c.signals
	if sigs == nil {
		sigs = make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
	}

	select {
	case sig := <-sigs:
		c.log.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		c.log.Info("shutdown requested", "reason", context.Cause(ctx))
	}
	c.Shutdown()
}

// Shutdown stops every component once. Later calls wait for the first.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		defer close(c.done)
		c.log.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		steps := append([]Component(nil), c.steps...)
		c.mu.Unlock()

		for i := len(steps) - 1; i >= 0; i-- {
			out := c.stop(ctx, steps[i])
			if out.Skipped || (out.Err != nil && ctx.Err() != nil) {
				c.exitCode = 1
			}
			c.outcomes = append(c.outcomes, out)
		}

		if c.exitCode != 0 {
			c.log.Warn("shutdown deadline exceeded, forcing termination")
			return
		}
		c.log.Info("all components shut down")
	})
	<-c.done
}

func (c *Coordinator) stop(ctx context.Context, comp Component) Outcome {
	out := Outcome{Name: comp.Name()}
	if ctx.Err() != nil {
		out.Skipped = true
		c.log.Warn("shutdown deadline exceeded, skipping component", "name", out.Name)
		return out
	}

	start := time.Now()
	out.Err = comp.Shutdown(ctx)
	out.Duration = time.Since(start)
	if out.Err != nil {
		c.log.Error("component shutdown failed", "name", out.Name, "error", out.Err, "duration", out.Duration)
	} else {
		c.log.Info("component stopped", "name", out.Name, "duration", out.Duration)
	}
	return out
}

// Wait blocks until Shutdown has finished.
func (c *Coordinator) Wait() { <-c.done }

// ExitCode waits for Shutdown and returns 1 if the deadline was exceeded.
func (c *Coordinator) ExitCode() int {
	<-c.done
	return c.exitCode
}

// Outcomes waits for Shutdown and returns one entry per component, in the
// order they were stopped.
func (c *Coordinator) Outcomes() []Outcome {
	<-c.done
	return append([]Outcome(nil), c.outcomes...)
}
