package infrastructure

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Server is a long-running component: the usage worker and the NATS command
// handler both implement it.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type App struct {
	servers  []Server
	shutdown func(ctx context.Context) error
}

// NewApp bundles the servers with a final shutdown hook that stops the
// durable objects (drain queues, force terminal syncs).
func NewApp(servers []Server, shutdown func(ctx context.Context) error) *App {
	return &App{servers: servers, shutdown: shutdown}
}

func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range a.servers {
		s := srv
		g.Go(func() error {
			return s.Start(ctx)
		})
	}

	<-ctx.Done()

	for _, srv := range a.servers {
		_ = srv.Stop(context.Background())
	}

	err := g.Wait()
	if a.shutdown != nil {
		if serr := a.shutdown(context.Background()); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}
