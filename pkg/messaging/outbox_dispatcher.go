package messaging

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// maxAttempts parks a row as 'failed' instead of retrying it forever.
const maxAttempts = 10

type OutboxDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// OutboxDispatcher relays rows from an outbox table to a Publisher.
// Delivery is at-least-once: a row is marked sent only after the broker
// confirmed it.
type OutboxDispatcher struct {
	db        OutboxDB
	publisher Publisher
	table     string
	interval  time.Duration
	batchSize int
	lease     time.Duration
	logger    *slog.Logger
}

type outboxRow struct {
	ID        int64
	EventType string
	Payload   []byte
	Attempts  int
}

func NewOutboxDispatcher(db OutboxDB, publisher Publisher, table string, interval time.Duration, batch int, logger *slog.Logger) *OutboxDispatcher {
	if batch <= 0 {
		batch = 32
	}
	return &OutboxDispatcher{
		db:        db,
		publisher: publisher,
		table:     table,
		interval:  interval,
		batchSize: batch,
		lease:     30 * time.Second,
		logger:    logger.With("table", table),
	}
}

func (d *OutboxDispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.Dispatch(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox dispatch failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Dispatch publishes one batch and reports how many rows were sent.
func (d *OutboxDispatcher) Dispatch(ctx context.Context) (int, error) {
	rows, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	sent := make([]int64, 0, len(rows))
	for _, row := range rows {
		if err := d.publish(ctx, row); err != nil {
			if ferr := d.markFailure(ctx, row, err); ferr != nil {
				return len(sent), ferr
			}
			continue
		}
		sent = append(sent, row.ID)
	}

	if len(sent) > 0 {
		query := fmt.Sprintf(`
			UPDATE %s
			SET status = 'sent', updated_at = NOW()
			WHERE id = ANY($1)`, d.table)
		if _, err := d.db.Exec(ctx, query, sent); err != nil {
			return 0, fmt.Errorf("mark sent: %w", err)
		}
	}
	return len(sent), nil
}

// claim leases a batch in one statement. A lease that runs out hands the
// rows to the next dispatcher if this process dies mid-publish.
func (d *OutboxDispatcher) claim(ctx context.Context) ([]outboxRow, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET status = 'processing', next_retry = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE (status = 'pending' AND (next_retry IS NULL OR next_retry <= NOW()))
			   OR (status = 'processing' AND next_retry <= NOW())
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, payload, attempts`, d.table)

	rows, err := d.db.Query(ctx, query, d.batchSize, time.Now().Add(d.lease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (outboxRow, error) {
		var row outboxRow
		err := r.Scan(&row.ID, &row.EventType, &row.Payload, &row.Attempts)
		return row, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox rows: %w", err)
	}

	slices.SortFunc(items, func(a, b outboxRow) int { return cmp.Compare(a.ID, b.ID) })
	return items, nil
}

func (d *OutboxDispatcher) publish(ctx context.Context, row outboxRow) error {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return d.publisher.Publish(pubCtx, row.EventType, row.Payload)
}

func (d *OutboxDispatcher) markFailure(ctx context.Context, row outboxRow, publishErr error) error {
	attempts := row.Attempts + 1
	log := d.logger.With("row_id", row.ID, "event_type", row.EventType, "attempts", attempts, "err", publishErr)

	status := "pending"
	if attempts >= maxAttempts {
		status = "failed"
		log.Error("outbox event given up")
	} else {
		log.Warn("publish event failed")
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2,
		    attempts = $3,
		    next_retry = $4,
		    updated_at = NOW()
		WHERE id = $1`, d.table)
	if _, err := d.db.Exec(ctx, query, row.ID, status, attempts, time.Now().Add(retryDelay(attempts))); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

func retryDelay(attempts int) time.Duration {
	attempts = min(max(attempts, 0), 5)
	return time.Duration(1<<attempts) * time.Second
}
