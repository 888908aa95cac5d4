package db

import (
	"fmt"
	"time"

	"ordertrack/internal/events"
)

// Session is one closed tracking room. No locations are stored.
type Session struct {
	OrderID     string    `json:"orderId"`
	OpenedAt    time.Time `json:"openedAt"`
	ClosedAt    time.Time `json:"closedAt"`
	Publishes   uint64    `json:"publishes"`
	PeakMembers int       `json:"peakMembers"`
	Reason      string    `json:"reason"`
}

const insertSession = `
	INSERT INTO tracking_sessions (order_id, opened_at, closed_at, publishes, peak_members, reason)
	VALUES ($1, $2, $3, $4, $5, $6)
`

func (d *DB) BatchRecordSessions(batch []events.RoomClosed) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertSession)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		if _, err := stmt.Exec(ev.OrderID, ev.OpenedAt, ev.ClosedAt, int64(ev.Publishes), ev.PeakMembers, ev.Reason); err != nil {
			return fmt.Errorf("recording session in batch: %w", err)
		}
	}

	return tx.Commit()
}

// SessionsForOrder returns the most recent sessions of orderID, newest first.
func (d *DB) SessionsForOrder(orderID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.conn.Query(`
		SELECT order_id, opened_at, closed_at, publishes, peak_members, reason
		FROM tracking_sessions
		WHERE order_id = $1
		ORDER BY closed_at DESC
		LIMIT $2
	`, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var publishes int64
		if err := rows.Scan(&s.OrderID, &s.OpenedAt, &s.ClosedAt, &publishes, &s.PeakMembers, &s.Reason); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		s.Publishes = uint64(publishes)
		out = append(out, s)
	}
	return out, rows.Err()
}
