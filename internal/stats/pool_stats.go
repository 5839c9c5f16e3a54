// Package stats reports warehouse connection pool usage for debug logs.
package stats

import (
	"database/sql"
	"fmt"
	"time"
)

// PoolStats is a driver-neutral snapshot of a warehouse connection pool.
type PoolStats struct {
	DBType      string // "postgres", "mssql" or "sqlite"
	MaxConns    int
	ActiveConns int
	IdleConns   int
	// WaitCount counts acquires that had to wait; WaitTime is the total time
	// spent waiting.
	WaitCount int64
	WaitTime  time.Duration
}

// FromDB converts database/sql pool statistics.
func FromDB(dbType string, s sql.DBStats) PoolStats {
	return PoolStats{
		DBType:      dbType,
		MaxConns:    s.MaxOpenConnections,
		ActiveConns: s.InUse,
		IdleConns:   s.Idle,
		WaitCount:   s.WaitCount,
		WaitTime:    s.WaitDuration,
	}
}

// AvgWait is WaitTime spread over WaitCount.
func (s PoolStats) AvgWait() time.Duration {
	if s.WaitCount == 0 {
		return 0
	}
	return s.WaitTime / time.Duration(s.WaitCount)
}

func (s PoolStats) String() string {
	return fmt.Sprintf("%s: %d/%d active, %d idle, %d waits (%s avg)",
		s.DBType, s.ActiveConns, s.MaxConns, s.IdleConns, s.WaitCount, s.AvgWait())
}
