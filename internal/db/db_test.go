package db

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordertrack/internal/events"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn, nil), mock
}

func session(orderID string) events.RoomClosed {
	opened := time.Date(2024, 4, 5, 12, 0, 0, 0, time.UTC)
	return events.RoomClosed{
		OrderID:     orderID,
		OpenedAt:    opened,
		ClosedAt:    opened.Add(20 * time.Minute),
		Publishes:   42,
		PeakMembers: 3,
		Reason:      events.ReasonEmpty,
	}
}

func TestMigrate(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tracking_sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, d.Migrate())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_Error(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied for schema public"))

	err := d.Migrate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_tracking_sessions.sql")
}

func TestBatchRecordSessions(t *testing.T) {
	d, mock := newMockDB(t)
	a, b := session("ORD-1"), session("ORD-2")
	b.Reason = events.ReasonIdle

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO tracking_sessions"))
	prep.ExpectExec().WithArgs("ORD-1", a.OpenedAt, a.ClosedAt, int64(42), 3, events.ReasonEmpty).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("ORD-2", b.OpenedAt, b.ClosedAt, int64(42), 3, events.ReasonIdle).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, d.BatchRecordSessions([]events.RoomClosed{a, b}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchRecordSessions_RollsBack(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO tracking_sessions"))
	prep.ExpectExec().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := d.BatchRecordSessions([]events.RoomClosed{session("ORD-1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording session in batch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionsForOrder(t *testing.T) {
	d, mock := newMockDB(t)
	ev := session("ORD-1")
	rows := sqlmock.NewRows([]string{"order_id", "opened_at", "closed_at", "publishes", "peak_members", "reason"}).
		AddRow(ev.OrderID, ev.OpenedAt, ev.ClosedAt, int64(42), 3, ev.Reason)
	mock.ExpectQuery(regexp.QuoteMeta("FROM tracking_sessions")).
		WithArgs("ORD-1", 20).
		WillReturnRows(rows)

	got, err := d.SessionsForOrder("ORD-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(42), got[0].Publishes)
	assert.Equal(t, 3, got[0].PeakMembers)
	assert.Equal(t, ev.ClosedAt, got[0].ClosedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
