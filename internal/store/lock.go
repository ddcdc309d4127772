package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"legion/internal/logging"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrDataDirBusy is returned when another process holds the data dir lock.
var ErrDataDirBusy = errors.New("data directory is in use by another legion process")

// DirLock is an exclusive, process-wide claim on a data directory. It is a
// sqlite database held in exclusive locking mode, so the OS drops the lock
// when the holding process dies.
type DirLock struct {
	db   *sql.DB
	conn *sql.Conn
	path string
}

// LockDataDir claims dir for the calling process. A second claim, from this
// or any other process, fails with ErrDataDirBusy until Release.
func LockDataDir(ctx context.Context, dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dir, "legion.lock")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	l := &DirLock{db: db, conn: conn, path: path}
	if err := l.acquire(ctx); err != nil {
		l.Release()
		return nil, err
	}
	logging.StoreDebug("Locked data directory %s", dir)
	return l, nil
}

func (l *DirLock) acquire(ctx context.Context) error {
	for _, p := range []string{
		"PRAGMA busy_timeout = 0",
		"PRAGMA journal_mode = DELETE",
		// The exclusive lock taken by the first write is kept until close.
		"PRAGMA locking_mode = EXCLUSIVE",
	} {
		if _, err := l.conn.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to prepare lock file: %w", wrapBusy(err))
		}
	}
	if _, err := l.conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return wrapBusy(err)
	}
	_, err := l.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS owner (pid INTEGER NOT NULL, since INTEGER NOT NULL)`)
	if err == nil {
		_, err = l.conn.ExecContext(ctx, "DELETE FROM owner")
	}
	if err == nil {
		_, err = l.conn.ExecContext(ctx, "INSERT INTO owner (pid, since) VALUES (?, ?)", os.Getpid(), time.Now().Unix())
	}
	if err != nil {
		_, _ = l.conn.ExecContext(ctx, "ROLLBACK")
		return fmt.Errorf("failed to write lock file: %w", wrapBusy(err))
	}
	if _, err := l.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to write lock file: %w", wrapBusy(err))
	}
	return nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	return l.path
}

// Release gives the directory up. It is safe to call more than once.
func (l *DirLock) Release() error {
	if l == nil || l.db == nil {
		return nil
	}
	var err error
	if l.conn != nil {
		err = l.conn.Close()
		l.conn = nil
	}
	if cerr := l.db.Close(); err == nil {
		err = cerr
	}
	l.db = nil
	return err
}

// wrapBusy maps sqlite's lock contention errors onto ErrDataDirBusy.
func wrapBusy(err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrDataDirBusy, err)
		}
	}
	return err
}
