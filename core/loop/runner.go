package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RunAll runs every loop concurrently. A loop that fails does not stop the
// others; the returned error joins every loop failure.
func RunAll(ctx context.Context, loops ...*Loop) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, l := range loops {
		g.Go(func() error {
			if err := l.Run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				l.logger.Error("chain loop stopped", slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
