package notification

import "embed"

// MigrationsFS は方言ごとのマイグレーションファイル。
// migrations/<sqlite|postgres|mysql>/NNNNNN_name.up.sql の形式で配置する。
//
//go:embed migrations
var MigrationsFS embed.FS

// MigrationsDir はMigrationsFS内のマイグレーションのルートディレクトリ。
const MigrationsDir = "migrations"
