// Package testutil builds in-memory databases for package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/payflow/internal/migration"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// NewDB opens a private in-memory SQLite database with the schema migrated.
// Row locks are stripped from raw SQL since SQLite serializes writers, and the
// pool is pinned to one connection so every statement sees the same memory DB.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocking)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocking)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(migration.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func stripLocking(d *gorm.DB) {
	sql := d.Statement.SQL.String()
	if strings.Contains(sql, "FOR UPDATE") {
		newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
		newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
		d.Statement.SQL.Reset()
		d.Statement.SQL.WriteString(newSQL)
	}
}

var nodeSeq atomic.Int64

// NewNode returns a snowflake node distinct from other nodes in the test binary.
func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(nodeSeq.Add(1) % 1024)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	return node
}
