package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const maxBusyRetries = 3

// isBusy 判断 SQLITE_BUSY / 表锁冲突。
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// runTx 在事务中执行 fn，遇 BUSY 以 100/200ms 退避重试，最多 3 次。
func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error
	for i := range maxBusyRetries {
		if err = s.txOnce(ctx, fn); err == nil || !isBusy(err) || i == maxBusyRetries-1 {
			return err
		}
		if err := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); err != nil {
			return err
		}
	}
	return err
}

func (s *Store) txOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// exec 同 ExecContext，遇 BUSY 重试。
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	for i := range maxBusyRetries {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err == nil || !isBusy(err) || i == maxBusyRetries-1 {
			return res, err
		}
		if err := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("index: exec: retries exhausted")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
