package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/loginproxy/internal/audit"
	"github.com/hitoshi/loginproxy/internal/authclient"
	"github.com/hitoshi/loginproxy/internal/config"
	"github.com/hitoshi/loginproxy/internal/database"
	"github.com/hitoshi/loginproxy/internal/handler"
	"github.com/hitoshi/loginproxy/internal/logger"
	"github.com/hitoshi/loginproxy/internal/metrics"
	"github.com/hitoshi/loginproxy/internal/middleware"
	"github.com/hitoshi/loginproxy/internal/repository"
	"github.com/hitoshi/loginproxy/internal/security"
	"github.com/hitoshi/loginproxy/internal/worker/cleanup"
)

const (
	shutdownTimeout = 30 * time.Second
	cleanupInterval = 24 * time.Hour
)

// Init はアプリケーションの初期化を行う。
// .envファイルと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envファイルがあれば読み込む（既存の環境変数は上書きしない）
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. LOG_LEVELを反映する
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	logger.SetupDefaultWithLevel(w, level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

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
		slog.String("ledger_backend", cfg.LedgerBackend),
	)

	// SIGINTまたはSIGTERMでキャンセルされるコンテキスト
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// ledgerBackend は選択されたログイン台帳と、その疎通確認・クローズ処理をまとめる。
type ledgerBackend struct {
	ledger repository.LoginLedger
	health handler.HealthChecker
	close  func() error
}

// openLedger は設定に応じてPostgreSQLまたはRedisの台帳を開き、疎通を確認する。
func openLedger(ctx context.Context, cfg *config.Config) (*ledgerBackend, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cfg.LedgerBackend {
	case config.LedgerBackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		repo := repository.NewRedisLoginRepo(client, cfg.LedgerStream, cfg.LedgerStreamMaxLen)
		if err := repo.PingContext(pingCtx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis connection established", slog.String("stream", cfg.LedgerStream))
		return &ledgerBackend{ledger: repo, health: repo, close: client.Close}, nil

	default:
		db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")
		return &ledgerBackend{ledger: repository.NewPostgresLoginRepo(db), health: db, close: db.Close}, nil
	}
}

// runServe はAPIサーバーモードで起動する。
// 台帳を開き、全依存関係をワイヤリングし、APIサーバーとメトリクスサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行い、監査キューを書き切ってから終了する。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. 認証サービスURLの静的検証
	guard := security.NewOutboundGuard(security.OutboundConfig{
		Timeout:             cfg.AuthTimeout,
		MaxIdleConnsPerHost: cfg.AuthMaxIdleConns,
		RestrictPublic:      cfg.AuthRestrictPublic,
		AllowInsecure:       cfg.AuthAllowInsecure,
	})
	if err := guard.ValidateURL(cfg.AuthServiceURL); err != nil {
		return fmt.Errorf("invalid AUTH_SERVICE_URL: %w", err)
	}

	// 2. 台帳の初期化
	backend, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close()

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 4. 監査レコーダーと認証クライアント
	recorder := audit.NewRecorder(backend.ledger, slog.Default(), collector, audit.Config{
		Workers:      cfg.LedgerWorkers,
		QueueSize:    cfg.LedgerQueueSize,
		WriteTimeout: cfg.LedgerWriteTimeout,
	})
	authClient := authclient.NewClient(guard.NewClient(), authclient.Config{
		BaseURL: cfg.AuthServiceURL,
		Timeout: cfg.AuthTimeout,
	}, slog.Default(), collector)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.LoginRateLimiterConfig(cfg.RateLimitLogin))
	defer rateLimiter.Stop()

	loginHandler := handler.NewLoginHandler(authClient, recorder, collector, slog.Default(), handler.LoginHandlerConfig{
		Cookie: handler.CookieConfig{
			Name:     cfg.SessionCookieName,
			Domain:   cfg.CookieDomain,
			SameSite: handler.SameSiteFromString(cfg.CookieSameSite),
			MaxAge:   cfg.SessionMaxAge,
		},
		ExposeTokenInBody: cfg.ExposeTokenInBody,
	})

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Metrics:           collector,
		HSTS:              true,
		LoginHandler:      loginHandler,
		HealthChecker:     backend.health,
	})

	// 6. HTTPサーバーの起動
	apiServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return listenAndServe(apiServer, "API server")
	})
	g.Go(func() error {
		return listenAndServe(metricsServer, "metrics server")
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		apiErr := apiServer.Shutdown(shutdownCtx)
		metricsErr := metricsServer.Shutdown(shutdownCtx)
		// 処理中のリクエストが積んだ記録を書き切る
		recorderErr := recorder.Close(shutdownCtx)

		return errors.Join(apiErr, metricsErr, recorderErr)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}

	slog.Info("servers stopped gracefully")
	return nil
}

// listenAndServe はサーバーを起動し、Shutdownによる終了はエラーとして扱わない。
func listenAndServe(server *http.Server, name string) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("%s listen failed: %w", name, err)
	}
	slog.Info(name+" starting", slog.String("addr", ln.Addr().String()))

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、保持期間を超過したログイン記録の日次クリーンアップを実行する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.LedgerBackend != config.LedgerBackendPostgres {
		return fmt.Errorf("worker requires LEDGER_BACKEND=%s (redis streams are trimmed by LEDGER_STREAM_MAXLEN)",
			config.LedgerBackendPostgres)
	}

	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	cleanupJob := cleanup.NewCleanupJob(db, slog.Default(), cfg.LogRetentionDays)
	cleanupJob.Start(ctx, cleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.LedgerBackend != config.LedgerBackendPostgres {
		slog.Info("no migrations required for ledger backend",
			slog.String("ledger_backend", cfg.LedgerBackend),
		)
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
