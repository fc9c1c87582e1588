// Package app はアプリケーションの初期化と起動モードを提供する。
//
// serveモードはHTTP API（検索、ヘルス、メトリクス、WebSocket配信）と
// 同期パイプライン全体を同一プロセスで起動する。検索パスが投入する発見ジョブは
// インプロセスキューで処理されるため、両者は同居する必要がある。
// workerモードはHTTPサーフェスなしのパイプラインのみを起動する
// （同期スループットの水平スケール用。台帳はDBのnext_check_atなので
// 複数プロセスが同じスイープを共有できる）。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/serialhub/internal/config"
	"github.com/hitoshi/serialhub/internal/coordination"
	"github.com/hitoshi/serialhub/internal/database"
	"github.com/hitoshi/serialhub/internal/handler"
	"github.com/hitoshi/serialhub/internal/logger"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openStores はDBと協調ストアへの接続を開き、疎通を確認する。
func openStores(ctx context.Context, cfg *config.Config) (*sql.DB, *coordination.RedisStore, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := coordination.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := store.Ping(ctx); err != nil {
		db.Close()
		store.Close()
		return nil, nil, fmt.Errorf("failed to connect to coordination store: %w", err)
	}

	slog.Info("database and coordination store connected")
	return db, store, nil
}

// runServe はAPIサーバーとパイプラインを同一プロセスで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う:
// 新規ジョブの受付を止め、実行中ジョブの完了を待ってから接続を閉じる。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, store, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer store.Close()

	p, err := newPipeline(cfg, db, store, slog.Default())
	if err != nil {
		return err
	}
	p.Start(ctx)

	router := handler.NewRouter(&handler.RouterDeps{
		DB:         db,
		SeriesRepo: p.seriesRepo,
		Gate:       p.gate,
		DiscoveryQ: p.discoveryQ,
		Cooldown:   p.cooldown,
		Hub:        p.hub,
		Collector:  p.collector,
		Gatherer:   p.registry,
		Logger:     slog.Default(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down...")

	// パイプラインを止めて実行中ジョブの完了を待つ
	cancel()
	p.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("stopped gracefully")
	return nil
}

// runWorker はHTTPサーフェスなしのパイプラインのみで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, store, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer store.Close()

	p, err := newPipeline(cfg, db, store, slog.Default())
	if err != nil {
		return err
	}
	p.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	slog.Info("shutting down worker...")

	cancel()
	p.Wait()

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
