package engine

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// wakeListener holds a dedicated connection on LISTEN and forwards each
// notification to the pool's wake channel. Losing the connection (or a
// coalesced notification) only costs latency: workers poll as the
// correctness fallback.
type wakeListener struct {
	pool    *pgxpool.Pool
	channel string
	wake    chan<- struct{}
}

func newWakeListener(pool *pgxpool.Pool, channel string, wake chan<- struct{}) *wakeListener {
	return &wakeListener{pool: pool, channel: channel, wake: wake}
}

func (l *wakeListener) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			log.Printf("WARN: wake listener: %v (reconnecting in 5s)", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (l *wakeListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}
