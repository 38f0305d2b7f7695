// Package db は通知アプリのテーブルに対するクエリを提供する。
package db

import (
	"context"
	"database/sql"

	"github.com/nao1215/learnnotify/pkg/database/dialect"
)

// DBTX は*sql.DBと*sql.Txの共通インターフェース。
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries はクエリ実行オブジェクト。
type Queries struct {
	db      DBTX
	dialect dialect.Dialect
}

// New はクエリ実行オブジェクトを生成する。
func New(db DBTX, d dialect.Dialect) *Queries {
	return &Queries{db: db, dialect: d}
}

// WithTx はトランザクション上で実行するクエリ実行オブジェクトを返す。
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx, dialect: q.dialect}
}
