package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewManual(start)
	now, err := c.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, start, now)

	c.Advance(90 * time.Second)
	now, _ = c.Now(context.Background())
	assert.Equal(t, start.Add(90*time.Second), now)

	c.Set(start)
	now, _ = c.Now(context.Background())
	assert.Equal(t, start, now)
}

func TestPGClock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	mock.ExpectQuery(`SELECT NOW\(\)`).WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(ts))
	mock.ExpectQuery(`SELECT NOW\(\)`).WillReturnError(errors.New("conn reset"))

	c := PGClock{DB: db}
	got, err := c.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ts, got)

	_, err = c.Now(context.Background())
	assert.ErrorContains(t, err, "pg clock")
	require.NoError(t, mock.ExpectationsWereMet())
}
