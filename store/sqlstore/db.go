// Package sqlstore 基于 database/sql 的持久化实现，支持 SQLite 和 PostgreSQL
package sqlstore

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/dormoron/idguard/internal/errs"
)

//go:embed schema.sql
var schemaSQL string

// 支持的驱动
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB 数据库连接和方言
type DB struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
}

// Open 连接数据库
// SQLite 只保留一个连接，写入天然串行，":memory:" 数据库也能在连接间共享
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var builder sq.StatementBuilderType
	switch driver {
	case DriverSQLite:
		builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)
	case DriverPostgres:
		builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		if _, err = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlstore: set busy timeout: %w", err)
		}
	}
	return &DB{db: db, builder: builder}, nil
}

// Migrate 创建表和索引，可重复执行
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errs.ErrStoreMigrate(err)
		}
	}
	return nil
}

// Ping 检查连接
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close 关闭连接
func (d *DB) Close() error {
	return d.db.Close()
}

// Factors 因子、备用码和验证日志存储
func (d *DB) Factors() *FactorStore {
	return &FactorStore{DB: d}
}

// Tokens 令牌记录存储
func (d *DB) Tokens() *TokenStore {
	return &TokenStore{DB: d}
}

func (d *DB) rebind(query string) string {
	return d.db.Rebind(query)
}

// withTx 在事务中执行 fn，fn 返回错误时回滚
func (d *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.ErrStoreExec("begin", err)
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return errs.ErrStoreExec("commit", err)
	}
	return nil
}

// toMillis 零值时间存为0
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
