package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

type MySQLReservationRepository struct {
	db *sqlx.DB
}

var _ port.ReservationRepository = (*MySQLReservationRepository)(nil)

func NewMySQLReservationRepository(db *sqlx.DB) *MySQLReservationRepository {
	return &MySQLReservationRepository{db: db}
}

type reservationRow struct {
	ID        string    `db:"id"`
	TenantID  string    `db:"tenant_id"`
	EventID   string    `db:"event_id"`
	LineID    string    `db:"line_id"`
	Quantity  int       `db:"quantity"`
	Status    string    `db:"status"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const selectReservationColumns = `id, tenant_id, event_id, line_id, quantity, status, expires_at, created_at, updated_at`

func (r reservationRow) toDomain() domain.Reservation {
	return domain.Reservation{
		ID:        r.ID,
		Tenant:    r.TenantID,
		EventID:   r.EventID,
		LineID:    r.LineID,
		Quantity:  r.Quantity,
		Status:    domain.ReservationStatus(r.Status),
		ExpiresAt: r.ExpiresAt.UTC(),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func (m *MySQLReservationRepository) Create(ctx context.Context, r domain.Reservation) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO reservations (id, tenant_id, event_id, line_id, quantity, status, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Tenant, r.EventID, r.LineID, r.Quantity, r.Status, r.ExpiresAt, r.CreatedAt, r.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return fmt.Errorf("create reservation %s: %w", r.ID, ErrDuplicateReservation)
	}
	return classify("insert reservation", err)
}

func (m *MySQLReservationRepository) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	var row reservationRow
	if err := m.db.GetContext(ctx, &row, `SELECT `+selectReservationColumns+` FROM reservations WHERE id = ?`, id); err != nil {
		return nil, classify("query reservation", err)
	}
	res := row.toDomain()
	return &res, nil
}

func (m *MySQLReservationRepository) TransitionStatus(ctx context.Context, id string, from, to domain.ReservationStatus, at time.Time) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE reservations SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, at, id, from,
	)
	if err != nil {
		return false, classify("update reservation status", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, classify("update reservation status", err)
	}
	return rows == 1, nil
}

func (m *MySQLReservationRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	var rows []reservationRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT `+selectReservationColumns+` FROM reservations
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at, id
		LIMIT ?`,
		domain.ReservationActive, now, limit,
	)
	if err != nil {
		return nil, classify("query expired reservations", err)
	}

	due := make([]domain.Reservation, len(rows))
	for i, row := range rows {
		due[i] = row.toDomain()
	}
	return due, nil
}
