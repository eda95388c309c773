package storage

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

const modifiedSincePageSize = 100

// MySQLEventStore persists events and their lines. Locking is per event
// row: GetForUpdate locks the event and then its lines, always in that
// order.
type MySQLEventStore struct {
	db        *sqlx.DB
	lockWait  time.Duration
	txTimeout time.Duration
}

var _ port.TxStore[*domain.Event] = (*MySQLEventStore)(nil)

// NewMySQLEventStore bounds every write transaction twice: lockWait becomes
// the session's innodb_lock_wait_timeout and txTimeout the context deadline.
func NewMySQLEventStore(db *sqlx.DB, lockWait, txTimeout time.Duration) *MySQLEventStore {
	return &MySQLEventStore{db: db, lockWait: lockWait, txTimeout: txTimeout}
}

type eventRow struct {
	ID              string    `db:"id"`
	TenantID        string    `db:"tenant_id"`
	Name            string    `db:"name"`
	Revision        uint64    `db:"revision"`
	ETag            string    `db:"etag"`
	ETagGeneratedAt time.Time `db:"etag_generated_at"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

type lineRow struct {
	EventID  string `db:"event_id"`
	LineID   string `db:"line_id"`
	Name     string `db:"name"`
	Total    int    `db:"total"`
	Sold     int    `db:"sold"`
	Reserved int    `db:"reserved"`
	Position int    `db:"position"`
}

const (
	selectEventColumns = `id, tenant_id, name, revision, etag, etag_generated_at, created_at, updated_at`
	selectLineColumns  = `event_id, line_id, name, total, sold, reserved, position`
)

func (r eventRow) toDomain(lines []lineRow) *domain.Event {
	e := &domain.Event{
		ID:       r.ID,
		Tenant:   r.TenantID,
		Name:     r.Name,
		Revision: r.Revision,
		Token: domain.VersionToken{
			EntityType:  domain.EventEntityType,
			EntityID:    r.ID,
			Value:       r.ETag,
			GeneratedAt: r.ETagGeneratedAt.UTC(),
		},
		Lines:     make([]domain.InventoryLine, 0, len(lines)),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	for _, l := range lines {
		e.Lines = append(e.Lines, domain.InventoryLine{
			ID:       l.LineID,
			Name:     l.Name,
			Total:    l.Total,
			Sold:     l.Sold,
			Reserved: l.Reserved,
		})
	}
	return e
}

func (m *MySQLEventStore) Create(ctx context.Context, event *domain.Event) error {
	return txClosure(ctx, m.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, tenant_id, name, revision, etag, etag_generated_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID, event.Tenant, event.Name, event.Revision, event.Token.Value,
			event.Token.GeneratedAt, event.CreatedAt, event.UpdatedAt,
		)
		if isDuplicateKey(err) {
			return fmt.Errorf("create event %s: %w", event.ID, ErrDuplicateEvent)
		}
		if err != nil {
			return classify("insert event", err)
		}
		return upsertLines(ctx, tx, event)
	})
}

// Get reads the event and its lines from one consistent snapshot.
func (m *MySQLEventStore) Get(ctx context.Context, id string) (*domain.Event, error) {
	var event *domain.Event
	err := txClosure(ctx, m.db, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(ctx context.Context, tx *sqlx.Tx) error {
		var row eventRow
		if err := tx.GetContext(ctx, &row, `SELECT `+selectEventColumns+` FROM events WHERE id = ?`, id); err != nil {
			return classify("query event", err)
		}
		var lines []lineRow
		if err := tx.SelectContext(ctx, &lines, `SELECT `+selectLineColumns+` FROM inventory_lines WHERE event_id = ? ORDER BY position`, id); err != nil {
			return classify("query lines", err)
		}
		event = row.toDomain(lines)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (m *MySQLEventStore) GetTokens(ctx context.Context, ids []string) (map[string]domain.TokenRef, error) {
	refs := make(map[string]domain.TokenRef, len(ids))
	if len(ids) == 0 {
		return refs, nil
	}

	query, args, err := sqlx.In(`SELECT id, tenant_id, etag, etag_generated_at FROM events WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build token query: %w", err)
	}
	var rows []struct {
		ID              string    `db:"id"`
		TenantID        string    `db:"tenant_id"`
		ETag            string    `db:"etag"`
		ETagGeneratedAt time.Time `db:"etag_generated_at"`
	}
	if err := m.db.SelectContext(ctx, &rows, m.db.Rebind(query), args...); err != nil {
		return nil, classify("query tokens", err)
	}
	for _, row := range rows {
		refs[row.ID] = domain.TokenRef{
			TenantID: row.TenantID,
			Token: domain.VersionToken{
				EntityType:  domain.EventEntityType,
				EntityID:    row.ID,
				Value:       row.ETag,
				GeneratedAt: row.ETagGeneratedAt.UTC(),
			},
		}
	}
	return refs, nil
}

// ModifiedSince pages through events by (updated_at, id), loading one page
// at a time.
func (m *MySQLEventStore) ModifiedSince(ctx context.Context, since time.Time) iter.Seq2[*domain.Event, error] {
	return func(yield func(*domain.Event, error) bool) {
		cursorAt, cursorID := since, ""
		for {
			page, err := m.modifiedPage(ctx, cursorAt, cursorID)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, event := range page {
				if !yield(event, nil) {
					return
				}
			}
			if len(page) < modifiedSincePageSize {
				return
			}
			last := page[len(page)-1]
			cursorAt, cursorID = last.UpdatedAt, last.ID
		}
	}
}

func (m *MySQLEventStore) modifiedPage(ctx context.Context, afterAt time.Time, afterID string) ([]*domain.Event, error) {
	var page []*domain.Event
	err := txClosure(ctx, m.db, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, func(ctx context.Context, tx *sqlx.Tx) error {
		var rows []eventRow
		err := tx.SelectContext(ctx, &rows, `
			SELECT `+selectEventColumns+` FROM events
			WHERE updated_at > ? OR (updated_at = ? AND id > ?)
			ORDER BY updated_at, id
			LIMIT ?`,
			afterAt, afterAt, afterID, modifiedSincePageSize,
		)
		if err != nil {
			return classify("query modified events", err)
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		query, args, err := sqlx.In(`SELECT `+selectLineColumns+` FROM inventory_lines WHERE event_id IN (?) ORDER BY event_id, position`, ids)
		if err != nil {
			return fmt.Errorf("build lines query: %w", err)
		}
		var lines []lineRow
		if err := tx.SelectContext(ctx, &lines, tx.Rebind(query), args...); err != nil {
			return classify("query modified lines", err)
		}

		byEvent := make(map[string][]lineRow, len(rows))
		for _, l := range lines {
			byEvent[l.EventID] = append(byEvent[l.EventID], l)
		}
		page = make([]*domain.Event, len(rows))
		for i, r := range rows {
			page[i] = r.toDomain(byEvent[r.ID])
		}
		return nil
	})
	return page, err
}

func (m *MySQLEventStore) InTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx[*domain.Event]) error) error {
	if m.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.txTimeout)
		defer cancel()
	}

	return txClosure(ctx, m.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, tx *sqlx.Tx) error {
		if m.lockWait > 0 {
			seconds := max(int(m.lockWait/time.Second), 1)
			if _, err := tx.ExecContext(ctx, `SET SESSION innodb_lock_wait_timeout = ?`, seconds); err != nil {
				return classify("set lock wait timeout", err)
			}
		}
		return fn(ctx, &mysqlTx{tx: tx})
	})
}

type mysqlTx struct {
	tx *sqlx.Tx
}

func (t *mysqlTx) GetForUpdate(ctx context.Context, id string) (*domain.Event, error) {
	var row eventRow
	if err := t.tx.GetContext(ctx, &row, `SELECT `+selectEventColumns+` FROM events WHERE id = ? FOR UPDATE`, id); err != nil {
		return nil, classify("lock event", err)
	}
	var lines []lineRow
	if err := t.tx.SelectContext(ctx, &lines, `SELECT `+selectLineColumns+` FROM inventory_lines WHERE event_id = ? ORDER BY position FOR UPDATE`, id); err != nil {
		return nil, classify("lock lines", err)
	}
	return row.toDomain(lines), nil
}

func (t *mysqlTx) Update(ctx context.Context, event *domain.Event) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE events
		SET tenant_id = ?, name = ?, revision = ?, etag = ?, etag_generated_at = ?, updated_at = ?
		WHERE id = ?`,
		event.Tenant, event.Name, event.Revision, event.Token.Value, event.Token.GeneratedAt, event.UpdatedAt, event.ID,
	)
	if err != nil {
		return classify("update event", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return classify("update event", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return upsertLines(ctx, t.tx, event)
}

func (t *mysqlTx) Delete(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM inventory_lines WHERE event_id = ?`, id); err != nil {
		return classify("delete lines", err)
	}
	result, err := t.tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return classify("delete event", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// upsertLines writes every line of event and drops lines it no longer has.
func upsertLines(ctx context.Context, tx *sqlx.Tx, event *domain.Event) error {
	for i, l := range event.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_lines (event_id, line_id, name, total, sold, reserved, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE name = VALUES(name), total = VALUES(total), sold = VALUES(sold),
				reserved = VALUES(reserved), position = VALUES(position)`,
			event.ID, l.ID, l.Name, l.Total, l.Sold, l.Reserved, i,
		)
		if err != nil {
			return classify("upsert line", err)
		}
	}

	if len(event.Lines) == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM inventory_lines WHERE event_id = ?`, event.ID)
		return classify("prune lines", err)
	}

	keep := make([]string, len(event.Lines))
	for i, l := range event.Lines {
		keep[i] = l.ID
	}
	query, args, err := sqlx.In(`DELETE FROM inventory_lines WHERE event_id = ? AND line_id NOT IN (?)`, event.ID, keep)
	if err != nil {
		return fmt.Errorf("build prune query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return classify("prune lines", err)
	}
	return nil
}
