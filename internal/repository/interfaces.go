// Package repository はログイン台帳の永続化を提供する。
package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/loginproxy/internal/model"
)

// LoginLedger はログイン成功記録の追記専用ストア。
// 値はすべてパラメータとして渡し、クエリ文字列を連結して組み立ててはならない。
type LoginLedger interface {
	// Insert はログイン記録を1件追記する。
	Insert(ctx context.Context, record *model.LoginRecord) error
}

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}
