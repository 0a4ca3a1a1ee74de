package ordersdb

import (
	"context"
	"database/sql"
	"time"

	"ordersaga/internal/orders/saga"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// StepLog appends saga events to an audit table. It implements
// saga.EventSink.
type StepLog struct {
	db *sqlx.DB
}

func NewStepLog(db *sql.DB) *StepLog {
	return &StepLog{db: sqlx.NewDb(db, "pgx")}
}

// NewStepLogWithSchema initializes the schema then returns the log.
func NewStepLogWithSchema(ctx context.Context, db *sql.DB) (*StepLog, error) {
	l := NewStepLog(db)
	if err := l.InitSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// InitSchema creates the order_saga_steps table. Rows are not tied to the
// orders table: the start event is written before the order exists.
func (l *StepLog) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			order_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			step TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS order_saga_steps_order_id_idx ON order_saga_steps (order_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create order_saga_steps")
		}
	}
	return nil
}

func (l *StepLog) Record(ctx context.Context, e saga.Event) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO order_saga_steps (order_id, kind, step, outcome, status, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.OrderID, string(e.Kind), string(e.Step), e.Outcome, e.Status.String(), e.Detail, e.At,
	)
	return errors.Wrapf(err, "record %s event for order %s", e.Kind, e.OrderID)
}

type stepRow struct {
	OrderID    string      `db:"order_id"`
	Kind       string      `db:"kind"`
	Step       string      `db:"step"`
	Outcome    string      `db:"outcome"`
	Status     saga.Status `db:"status"`
	Detail     string      `db:"detail"`
	RecordedAt time.Time   `db:"recorded_at"`
}

// Events returns the recorded events of an order in insertion order.
func (l *StepLog) Events(ctx context.Context, orderID string) ([]saga.Event, error) {
	var rows []stepRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT order_id, kind, step, outcome, status, detail, recorded_at
		FROM order_saga_steps
		WHERE order_id = $1
		ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "select events of order %s", orderID)
	}
	events := make([]saga.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, saga.Event{
			OrderID: r.OrderID,
			Kind:    saga.EventKind(r.Kind),
			Step:    saga.StepKind(r.Step),
			Outcome: r.Outcome,
			Status:  r.Status,
			Detail:  r.Detail,
			At:      r.RecordedAt,
		})
	}
	return events, nil
}
