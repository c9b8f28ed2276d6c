package shutdown

import (
	"context"
	"io"
	"net/http"
)

// funcComponent adapts a named stop function to Component. Every helper
// constructor below returns one.
type funcComponent struct {
	name string
	stop func(ctx context.Context) error
}

func (c funcComponent) Name() string                       { return c.name }
func (c funcComponent) Shutdown(ctx context.Context) error { return c.stop(ctx) }

// NewFuncComponent registers an arbitrary stop step, such as draining the
// gRPC health service before the HTTP listener closes.
func NewFuncComponent(name string, fn func(ctx context.Context) error) Component {
	return funcComponent{name: name, stop: fn}
}

// NewHTTPServerComponent stops srv from accepting connections and waits for
// in-flight requests. Long-lived streams must be closed through
// srv.RegisterOnShutdown or they hold the step until the deadline.
func NewHTTPServerComponent(name string, srv *http.Server) Component {
	return funcComponent{name: name, stop: srv.Shutdown}
}

// NewCloserComponent closes a resource such as the registry backend.
func NewCloserComponent(name string, closer io.Closer) Component {
	return funcComponent{name: name, stop: func(context.Context) error {
		return closer.Close()
	}}
}

// GRPCServerShutdowner is the subset of *grpc.Server used during shutdown.
type GRPCServerShutdowner interface {
	GracefulStop()
	Stop()
}

// NewGRPCServerComponent stops a gRPC server gracefully and forces it
// closed when ctx expires first. Health Watch streams never end on their own.
func NewGRPCServerComponent(name string, srv GRPCServerShutdowner) Component {
	return funcComponent{name: name, stop: func(ctx context.Context) error {
		if err := waitOrExpire(ctx, srv.GracefulStop); err != nil {
			srv.Stop()
			return err
		}
		return nil
	}}
}

// Stopper is a background loop, like the probe scheduler or the discovery
// announcer. Stop blocks until the loop has exited.
type Stopper interface {
	Stop()
}

// NewStopperComponent stops a background loop, giving up when ctx expires.
func NewStopperComponent(name string, s Stopper) Component {
	return funcComponent{name: name, stop: func(ctx context.Context) error {
		return waitOrExpire(ctx, s.Stop)
	}}
}

// waitOrExpire runs fn in a goroutine and returns ctx.Err() if fn is still
// running when ctx is done.
func waitOrExpire(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
