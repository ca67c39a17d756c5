// internal/database/notify.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// CacheChannel carries cache invalidations between the CLI and running servers.
const CacheChannel = "commission_cache_invalidate"

const (
	CacheEventUser  = "user"
	CacheEventRates = "rates"
	CacheEventAll   = "all"
)

// CacheEvent names what a process changed. A user event without a UserID
// covers every cached user.
type CacheEvent struct {
	Kind   string     `json:"kind"`
	UserID *uuid.UUID `json:"user_id,omitempty"`
}

func PublishCacheEvent(ctx context.Context, pool *pgxpool.Pool, ev CacheEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode cache event: %w", err)
	}
	if _, err := pool.Exec(ctx, "SELECT pg_notify($1, $2)", CacheChannel, string(payload)); err != nil {
		return fmt.Errorf("failed to publish cache event: %w", err)
	}
	return nil
}

// ListenCacheEvents hands every invalidation to handle until ctx ends,
// reconnecting after failures. Notifications sent while no listener is
// attached are lost, so each (re)connect first delivers CacheEventAll.
func ListenCacheEvents(ctx context.Context, pool *pgxpool.Pool, logger logrus.FieldLogger, handle func(CacheEvent)) {
	for ctx.Err() == nil {
		err := listen(ctx, pool, logger, handle)
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Warn("Cache invalidation listener disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func listen(ctx context.Context, pool *pgxpool.Pool, logger logrus.FieldLogger, handle func(CacheEvent)) error {
	pooled, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// A listening connection must not go back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+CacheChannel); err != nil {
		return err
	}
	handle(CacheEvent{Kind: CacheEventAll})

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev CacheEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			logger.WithError(err).Warn("Malformed cache event, flushing all caches")
			ev = CacheEvent{Kind: CacheEventAll}
		}
		handle(ev)
	}
}
