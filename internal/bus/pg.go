package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// notifyChannel is the single LISTEN/NOTIFY channel all processes
// share; the topic rides inside the payload. NOTIFY payloads are
// capped at 8000 bytes, which is why sync events carry only a seq.
const notifyChannel = "sync_bus"

type envelope struct {
	Topic string  `json:"topic"`
	Msg   Message `json:"msg"`
}

// Pg fans events out across processes through Postgres LISTEN/NOTIFY.
// Local dispatch goes through an embedded Memory bus fed exclusively
// by the listener, so a process's own publishes take the same path as
// everyone else's.
type Pg struct {
	pool  *pgxpool.Pool
	local *Memory
}

func NewPg(pool *pgxpool.Pool, buffer int) *Pg {
	return &Pg{pool: pool, local: NewMemory(buffer)}
}

func (p *Pg) Subscribe(topic string, h Handler) (*Subscription, error) {
	return p.local.Subscribe(topic, h)
}

func (p *Pg) Publish(ctx context.Context, topic string, msg Message) error {
	raw, err := json.Marshal(envelope{Topic: topic, Msg: msg})
	if err != nil {
		return fmt.Errorf("marshal bus event: %w", err)
	}
	if len(raw) > 7500 {
		return fmt.Errorf("%w: %d byte event for %s", ErrTooLarge, len(raw), topic)
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(raw)); err != nil {
		return fmt.Errorf("notify %s: %w", topic, err)
	}
	return nil
}

// Listen blocks until ctx is canceled, dispatching notifications to
// local subscribers. The connection is re-established with
// exponential backoff; after every reconnect subscribers get a resync
// nudge because notifications sent in between are gone.
func (p *Pg) Listen(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	first := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := time.Now()
		err := p.listenOnce(ctx, first)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > bo.MaxInterval {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("bus listener disconnected")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		first = false
	}
}

func (p *Pg) listenOnce(ctx context.Context, first bool) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	log.Info().Str("channel", notifyChannel).Msg("bus listener attached")

	if !first {
		// Anything notified while we were away is lost; subscribers
		// re-check the log head.
		p.local.ResyncAll()
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		var env envelope
		if err := json.Unmarshal([]byte(n.Payload), &env); err != nil {
			log.Error().Err(err).Msg("malformed bus event dropped")
			continue
		}
		_ = p.local.Publish(ctx, env.Topic, env.Msg)
	}
}
