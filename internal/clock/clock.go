// Package clock provides the trusted time source used for createdAt, decidedAt and expiry checks.
package clock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Clock returns the current trusted time.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// System reads the host clock.
type System struct{}

func (System) Now(context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// PGClock reads NOW() from Postgres so every replica shares the database's notion of time.
type PGClock struct {
	DB *sql.DB
}

func (c PGClock) Now(ctx context.Context) (time.Time, error) {
	var t time.Time
	if err := c.DB.QueryRowContext(ctx, `SELECT NOW()`).Scan(&t); err != nil {
		return time.Time{}, fmt.Errorf("pg clock: %w", err)
	}
	return t.UTC(), nil
}

// Manual is a settable clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

func (m *Manual) Now(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now, nil
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
