package watcher

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Loop is a background loop that runs until its context is cancelled
type Loop interface {
	Start(ctx context.Context) error
}

type Watcher struct {
	loops []Loop
}

func New(syncLoop *SyncLoop, artifactExpiry *ArtifactExpiry, statusExpiry *StatusExpiry, extra ...Loop) *Watcher {
	loops := []Loop{syncLoop, artifactExpiry, statusExpiry}
	return &Watcher{loops: append(loops, extra...)}
}

// Start runs every loop and blocks until ctx is cancelled or a loop fails
func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("starting watcher", "loops", len(w.loops))

	g, ctx := errgroup.WithContext(ctx)
	for _, loop := range w.loops {
		g.Go(func() error {
			return loop.Start(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		slog.Info("watcher stopped")
		return context.Canceled
	}
	return err
}

// LoopFunc adapts a function to Loop
type LoopFunc func(ctx context.Context) error

func (f LoopFunc) Start(ctx context.Context) error {
	return f(ctx)
}
