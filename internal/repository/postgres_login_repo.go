package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/loginproxy/internal/model"
)

// insertLoginQuery はlogins表への追記クエリ。値はすべてプレースホルダで渡す。
const insertLoginQuery = `INSERT INTO logins (id, username, login_time) VALUES ($1, $2, $3)`

// PostgresLoginRepo はPostgreSQLを使用したログイン台帳。
type PostgresLoginRepo struct {
	db Executor
}

// NewPostgresLoginRepo はPostgresLoginRepoを生成する。
func NewPostgresLoginRepo(db Executor) *PostgresLoginRepo {
	return &PostgresLoginRepo{db: db}
}

// Insert はログイン記録を追記する。
func (r *PostgresLoginRepo) Insert(ctx context.Context, record *model.LoginRecord) error {
	_, err := r.db.ExecContext(ctx, insertLoginQuery,
		record.ID, record.Username, record.LoginTime.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert login record: %w", err)
	}
	return nil
}

// compile-time interface check
var _ LoginLedger = (*PostgresLoginRepo)(nil)
