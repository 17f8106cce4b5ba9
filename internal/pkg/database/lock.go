package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// Locker is the cross-process mutual exclusion primitive used by the refresh
// coordinator. WithLock runs fn while holding the named lock and reports
// whether the lock was acquired at all; contention is not an error, fn is
// simply skipped and acquired is false.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func() error) (acquired bool, err error)
}

// LockName derives a stable, length-bounded advisory lock name for a
// (user, provider) pair. MySQL caps lock names at 64 characters.
func LockName(userID uint, provider string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("refresh:%d:%s", userID, provider)))
	return "connect:" + hex.EncodeToString(sum[:])[:40]
}

// mysqlLocker implements Locker on MySQL GET_LOCK/RELEASE_LOCK. The lock is
// session-scoped: if the holding connection drops (process crash included)
// the server releases it.
type mysqlLocker struct {
	db *gorm.DB
}

// NewMySQLLocker builds a Locker backed by the given GORM handle.
func NewMySQLLocker(db *gorm.DB) Locker {
	return &mysqlLocker{db: db}
}

func (l *mysqlLocker) WithLock(ctx context.Context, name string, fn func() error) (bool, error) {
	acquired := false
	// Connection pins a single *sql.Conn for the whole callback so GET_LOCK
	// and RELEASE_LOCK run on the same session.
	err := l.db.WithContext(ctx).Connection(func(tx *gorm.DB) error {
		var got int
		if err := tx.Raw("SELECT GET_LOCK(?, 0)", name).Scan(&got).Error; err != nil {
			return err
		}
		if got != 1 {
			return nil
		}
		acquired = true
		defer tx.Exec("SELECT RELEASE_LOCK(?)", name)
		return fn()
	})
	return acquired, err
}

// localLocker is the single-process Locker used when CONNECT_LOCK_MODE=local.
// It exists so development setups without exclusive DB access still get the
// same code path shape; multi-process deployments must use the MySQL locker.
type localLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker builds an in-process Locker.
func NewLocalLocker() Locker {
	return &localLocker{held: make(map[string]bool)}
}

func (l *localLocker) WithLock(ctx context.Context, name string, fn func() error) (bool, error) {
	l.mu.Lock()
	if l.held[name] {
		l.mu.Unlock()
		return false, nil
	}
	l.held[name] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}()
	return true, fn()
}
