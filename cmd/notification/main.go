// 通知サービスのエントリポイント。
// 学習者の進捗通知とコーチの取得ログを保存・配信する。
// defaultデータベースがSQLiteの場合、通知アプリのテーブルは専用のSQLiteファイルに置かれる。
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/learnnotify/internal/notification"
	"github.com/nao1215/learnnotify/pkg/config"
	"github.com/nao1215/learnnotify/pkg/database"
	"github.com/nao1215/learnnotify/pkg/database/dialect"
	"github.com/nao1215/learnnotify/pkg/dbrouter"
)

var (
	envFile       string
	shutdownTO    time.Duration
	olderThanDays int
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "notification",
		Short:         "学習者進捗通知サービス",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return config.LoadDotEnv(envFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "読み込む.envファイル（存在しない場合は無視する）")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "マイグレーションを適用してHTTPサーバーを起動する",
		RunE:  runServe,
	}
	serveCmd.Flags().DurationVar(&shutdownTO, "shutdown-timeout", 15*time.Second, "グレースフルシャットダウンの待機時間")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "通知アプリのマイグレーションを適用する",
		RunE:  runMigrate,
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "古い通知と通知取得ログを削除する",
		RunE:  runPurge,
	}
	purgeCmd.Flags().IntVar(&olderThanDays, "older-than-days", 30, "この日数より前のレコードを削除する")

	routesCmd := &cobra.Command{
		Use:   "routes",
		Short: "データベースルーティングの判定結果を表示する",
		RunE:  runRoutes,
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, purgeCmd, routesCmd)

	// サブコマンド省略時はサーバーを起動する
	rootCmd.RunE = runServe
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("通知サービスの実行に失敗: %v", err)
	}
}

// routerChain はdefaultデータベースのエンジンに応じたルーターチェーンを組み立てる。
// エンジン名の別名（sqlite3, postgresql等）は正規化してから判定する。
func routerChain(cfg config.Database) dbrouter.Chain {
	engine := cfg.Engine
	if d, ok := dialect.Parse(engine); ok {
		engine = string(d)
	}
	return dbrouter.Configure(engine, dbrouter.NotificationsRouter{})
}

// openStore は設定を読み込み、ルーターチェーンに従ってデータベースを開く。
func openStore(ctx context.Context) (config.Config, *database.Registry, *notification.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	registry, err := database.Open(ctx, cfg.Database, routerChain(cfg.Database))
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	return cfg, registry, notification.NewStore(registry), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, registry, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer registry.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	server, err := notification.NewServer(cfg, store)
	if err != nil {
		return fmt.Errorf("通知サーバーの初期化に失敗: %w", err)
	}

	log.Printf("通知サービスを起動します: %s", server.Addr())
	if err := server.Run(ctx, shutdownTO); err != nil {
		return fmt.Errorf("通知サービスの起動に失敗: %w", err)
	}
	log.Printf("通知サービスを停止しました")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	_, registry, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer registry.Close()

	return store.Migrate(ctx)
}

func runPurge(cmd *cobra.Command, _ []string) error {
	if olderThanDays < 1 {
		return fmt.Errorf("--older-than-days は1以上で指定してください")
	}

	ctx := cmd.Context()
	_, registry, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer registry.Close()

	result, err := store.Purge(ctx, time.Duration(olderThanDays)*24*time.Hour)
	if err != nil {
		return err
	}
	log.Printf("古いレコードを削除しました: 通知 %d 件, 通知取得ログ %d 件", result.Notifications, result.Logs)
	return nil
}

// runRoutes は接続を開かずに、現在の設定でのルーティング結果を表示する。
func runRoutes(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	chain := routerChain(cfg.Database)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "engine\t%s\n", cfg.Database.Engine)
	fmt.Fprintf(w, "notifications router\t%t\n\n", chain.HasNotificationsRouter())

	fmt.Fprintln(w, "MODEL\tREAD\tWRITE")
	for _, m := range []dbrouter.Model{notification.LearnerProgressNotification{}, notification.NotificationsLog{}} {
		fmt.Fprintf(w, "%T\t%s\t%s\n", m, chain.DBForRead(m), chain.DBForWrite(m))
	}

	fmt.Fprintln(w, "\nDATABASE\tAPP\tMIGRATE")
	for _, alias := range []string{dbrouter.DefaultAlias, dbrouter.NotificationsAlias} {
		for _, app := range []string{dbrouter.NotificationsAppLabel, "auth"} {
			fmt.Fprintf(w, "%s\t%s\t%t\n", alias, app, chain.AllowMigrate(alias, app))
		}
	}
	return w.Flush()
}
