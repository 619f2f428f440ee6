package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrator 在打开的编排库上执行内嵌迁移脚本。
// 所有脚本都写成可重入形式（CREATE TABLE IF NOT EXISTS），
// bypass / catalog import 等命令在启动时直接 Up 一遍即可，
// 不需要单独的版本登记表。
type Migrator struct {
	db *sql.DB
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Up 依次执行 migrations 目录下的 SQL 文件。
// fs.Glob 返回按字典序排好的路径，迁移顺序由文件名数字前缀决定
// （001_init.sql -> 002_xxx.sql）。
func (m *Migrator) Up(ctx context.Context) error {
	files, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("glob embedded migrations: %w", err)
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := migrationFiles.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path.Base(file), err)
		}

		if _, err := m.db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("exec migration %s: %w", path.Base(file), err)
		}
	}

	return nil
}
