package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nao1215/learnnotify/pkg/config"
	"github.com/nao1215/learnnotify/pkg/database/dialect"
	"github.com/nao1215/learnnotify/pkg/dbrouter"
	"github.com/nao1215/learnnotify/pkg/migration"
)

const (
	// DefaultSQLiteFile はdefaultデータベースのSQLiteファイル名。
	DefaultSQLiteFile = "db.sqlite3"
	// NotificationsSQLiteFile はnotifications_dbのSQLiteファイル名。
	NotificationsSQLiteFile = "notifications.sqlite3"
)

// sqlitePragmas はSQLite接続ごとに適用するDSNパラメータ。
const sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_time_format=sqlite"

// ErrUnknownAlias は登録されていない接続名を要求したことを表す。
var ErrUnknownAlias = errors.New("未登録のデータベース接続名")

// Conn は接続名に紐づくデータベース接続と方言。
type Conn struct {
	// Alias は接続名。
	Alias string
	// DB はdatabase/sqlの接続プール。
	DB *sql.DB
	// Dialect はSQL方言。
	Dialect dialect.Dialect
}

// Rebind はクエリのプレースホルダを接続の方言に合わせて書き換える。
func (c *Conn) Rebind(query string) string {
	return c.Dialect.Rebind(query)
}

// Registry は接続名ごとのデータベース接続とルーターチェーンを保持する。
type Registry struct {
	conns map[string]*Conn
	chain dbrouter.Chain
}

// NewRegistry は既に開かれた接続からRegistryを生成する。
// defaultの接続は必須。
func NewRegistry(chain dbrouter.Chain, conns ...*Conn) (*Registry, error) {
	r := &Registry{
		conns: make(map[string]*Conn, len(conns)),
		chain: chain,
	}
	for _, c := range conns {
		if c == nil || c.DB == nil {
			return nil, fmt.Errorf("接続が初期化されていません")
		}
		if _, dup := r.conns[c.Alias]; dup {
			return nil, fmt.Errorf("接続名が重複しています: %s", c.Alias)
		}
		r.conns[c.Alias] = c
	}
	if _, ok := r.conns[dbrouter.DefaultAlias]; !ok {
		return nil, fmt.Errorf("%s 接続が必要です", dbrouter.DefaultAlias)
	}
	return r, nil
}

// Open は設定に従ってdefaultとチェーンが必要とする専用データベースを開く。
// defaultがSQLiteでNotificationsRouterがチェーンに含まれる場合のみ、
// notifications_dbをDataDir配下の別ファイルとして開く。
func Open(ctx context.Context, cfg config.Database, chain dbrouter.Chain) (*Registry, error) {
	d, ok := dialect.Parse(cfg.Engine)
	if !ok {
		return nil, fmt.Errorf("サポートされていないデータベースエンジン: %s (sqlite, postgres, mysql のいずれかを指定してください)", cfg.Engine)
	}

	var conns []*Conn
	closeAll := func() {
		for _, c := range conns {
			_ = c.DB.Close()
		}
	}

	if d == dialect.SQLite {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("データディレクトリの作成に失敗: %w", err)
		}
	}

	defaultDSN, err := DSN(d, cfg, DefaultSQLiteFile)
	if err != nil {
		return nil, err
	}
	def, err := openConn(ctx, dbrouter.DefaultAlias, d, defaultDSN, cfg)
	if err != nil {
		return nil, err
	}
	conns = append(conns, def)

	if d == dialect.SQLite && chain.HasNotificationsRouter() {
		notificationsDSN, err := DSN(d, cfg, NotificationsSQLiteFile)
		if err != nil {
			closeAll()
			return nil, err
		}
		n, err := openConn(ctx, dbrouter.NotificationsAlias, d, notificationsDSN, cfg)
		if err != nil {
			closeAll()
			return nil, err
		}
		conns = append(conns, n)
	}

	r, err := NewRegistry(chain, conns...)
	if err != nil {
		closeAll()
		return nil, err
	}
	for _, alias := range r.Aliases() {
		log.Printf("[Database] %s 接続を開きました (engine=%s)", alias, d)
	}
	return r, nil
}

// DSN は方言と設定から接続文字列を組み立てる。
// SQLiteの場合はDataDir配下のsqliteFileを指す。
func DSN(d dialect.Dialect, cfg config.Database, sqliteFile string) (string, error) {
	switch d {
	case dialect.SQLite:
		if cfg.DataDir == "" {
			return "", fmt.Errorf("SQLiteにはデータディレクトリの指定が必要です")
		}
		return filepath.Join(cfg.DataDir, sqliteFile) + sqlitePragmas, nil
	case dialect.Postgres:
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode), nil
	case dialect.MySQL:
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		mc.DBName = cfg.Name
		mc.ParseTime = true
		mc.Loc = time.UTC
		mc.MultiStatements = true
		return mc.FormatDSN(), nil
	}
	return "", fmt.Errorf("サポートされていない方言: %s", d)
}

// openConn は接続を開いて疎通を確認する。
func openConn(ctx context.Context, alias string, d dialect.Dialect, dsn string, cfg config.Database) (*Conn, error) {
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s データベースのオープンに失敗: %w", alias, err)
	}

	if d == dialect.SQLite {
		// SQLiteは書き込みが単一ファイルロックで直列化されるため接続数を絞る
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s データベースへの接続に失敗: %w", alias, err)
	}

	return &Conn{Alias: alias, DB: db, Dialect: d}, nil
}

// Chain はRegistryが使用するルーターチェーンを返す。
func (r *Registry) Chain() dbrouter.Chain {
	return r.chain
}

// Aliases は登録済みの接続名をソートして返す。
func (r *Registry) Aliases() []string {
	aliases := make([]string, 0, len(r.conns))
	for alias := range r.conns {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// Conn は接続名に対応する接続を返す。
func (r *Registry) Conn(alias string) (*Conn, error) {
	c, ok := r.conns[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlias, alias)
	}
	return c, nil
}

// ForRead はモデルの読み取り先接続を返す。
func (r *Registry) ForRead(m dbrouter.Model) (*Conn, error) {
	return r.Conn(r.chain.DBForRead(m))
}

// ForWrite はモデルの書き込み先接続を返す。
func (r *Registry) ForWrite(m dbrouter.Model) (*Conn, error) {
	return r.Conn(r.chain.DBForWrite(m))
}

// Migrate はアプリのマイグレーションを、チェーンが許可する全接続に適用する。
// マイグレーションファイルは fsys 内の <dir>/<方言名> ディレクトリから読み込む。
func (r *Registry) Migrate(ctx context.Context, appLabel string, fsys fs.FS, dir string) error {
	for _, alias := range r.Aliases() {
		if !r.chain.AllowMigrate(alias, appLabel) {
			continue
		}
		c := r.conns[alias]
		n, err := migration.Run(ctx, c.DB, c.Dialect, fsys, path.Join(dir, string(c.Dialect)))
		if err != nil {
			return fmt.Errorf("%s を %s に適用できませんでした: %w", appLabel, alias, err)
		}
		log.Printf("[Database] %s のマイグレーションを %s に適用しました (新規 %d 件)", appLabel, alias, n)
	}
	return nil
}

// Health は全接続の疎通を確認し、接続名ごとの状態を返す。
// いずれかの接続が失敗した場合はエラーも返す。
func (r *Registry) Health(ctx context.Context) (map[string]string, error) {
	status := make(map[string]string, len(r.conns))
	var errs []error
	for _, alias := range r.Aliases() {
		if err := r.conns[alias].DB.PingContext(ctx); err != nil {
			status[alias] = "error"
			errs = append(errs, fmt.Errorf("%s: %w", alias, err))
			continue
		}
		status[alias] = "ok"
	}
	return status, errors.Join(errs...)
}

// Close は全接続を閉じる。
func (r *Registry) Close() error {
	var errs []error
	for _, alias := range r.Aliases() {
		if err := r.conns[alias].DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", alias, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("データベース接続のクローズに失敗: %w", err)
	}
	return nil
}
