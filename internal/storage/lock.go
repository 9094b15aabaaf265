package storage

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// AdvisoryLock is a session-level Postgres advisory lock. The session is a
// dedicated pool connection held for as long as the lock is owned.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	key  int64
	conn *pgxpool.Conn
}

func (s *Store) AdvisoryLock(key int64) *AdvisoryLock {
	return &AdvisoryLock{pool: s.db, key: key}
}

// TryAcquire reports whether this process holds the lock, acquiring it if
// free. A held lock whose connection died is reported as lost.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.conn.Release()
		l.conn = nil
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, errors.Wrap(err, "acquire connection")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, errors.Wrap(err, "advisory lock")
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release gives the lock up. Releasing an unheld lock is a no-op.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()
	_, err := l.conn.Exec(ctx, `select pg_advisory_unlock($1)`, l.key)
	return errors.Wrap(err, "advisory unlock")
}
