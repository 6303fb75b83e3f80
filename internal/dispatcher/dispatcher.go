// Package dispatcher runs the worker pool and the periodic sweeps as one group.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived loop that returns when ctx finishes.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Dispatcher fans out a fixed set of runners.
type Dispatcher struct {
	runners map[string]Runner
	order   []string
	logger  *zap.Logger
}

// New creates an empty Dispatcher.
func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runners: make(map[string]Runner), logger: logger.Named("dispatcher")}
}

// Add registers a runner under name. Names must be unique.
func (d *Dispatcher) Add(name string, r Runner) {
	if _, dup := d.runners[name]; !dup {
		d.order = append(d.order, name)
	}
	d.runners[name] = r
}

// Len reports how many runners are registered.
func (d *Dispatcher) Len() int {
	return len(d.order)
}

// Run starts every runner and blocks until all of them return. The first
// runner error cancels the rest and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, name := range d.order {
		runner := d.runners[name]
		group.Go(func() error {
			d.logger.Debug("runner started", zap.String("runner", name))
			if err := runner.Run(groupCtx); err != nil {
				d.logger.Error("runner stopped with error", zap.String("runner", name), zap.Error(err))
				return fmt.Errorf("%s: %w", name, err)
			}
			d.logger.Debug("runner stopped", zap.String("runner", name))
			return nil
		})
	}
	return group.Wait()
}
