package session

import (
	"context"
	"errors"
	"sync"

	"github.com/loykin/mongovisr/internal/connection"
)

// App is a ready-made host: it stores the published connection and runs
// registered teardowns when the application finishes.
type App struct {
	mu    sync.Mutex
	db    *connection.Connection
	hooks []connection.Teardown
}

func (a *App) SetDB(c *connection.Connection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.db = c
}

func (a *App) DB() *connection.Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db
}

func (a *App) OnDone(t connection.Teardown) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, t)
}

// Done runs the registered teardowns newest first, each to completion, and
// joins their errors. Hooks run at most once.
func (a *App) Done(ctx context.Context) error {
	a.mu.Lock()
	hooks := a.hooks
	a.hooks = nil
	a.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		ch := make(chan error, 1)
		var once sync.Once
		go hooks[i](func(err error) {
			once.Do(func() { ch <- err })
		})
		select {
		case err := <-ch:
			errs = append(errs, err)
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
	return errors.Join(errs...)
}
