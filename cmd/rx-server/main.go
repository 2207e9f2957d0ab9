package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rxportal/rxportal/internal/config"
	"github.com/rxportal/rxportal/internal/domain/order"
	"github.com/rxportal/rxportal/internal/domain/prescription"
	"github.com/rxportal/rxportal/internal/domain/profile"
	"github.com/rxportal/rxportal/internal/platform/auth"
	"github.com/rxportal/rxportal/internal/platform/blobstore"
	"github.com/rxportal/rxportal/internal/platform/db"
	"github.com/rxportal/rxportal/internal/platform/idgen"
	"github.com/rxportal/rxportal/internal/platform/middleware"
	"github.com/rxportal/rxportal/internal/platform/telemetry"
	"github.com/rxportal/rxportal/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "rx-server",
		Short: "Pharmacy portal API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(idgenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")

			ctx := context.Background()
			pool, closeFn, err := openPrivilegedPool(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			migrator := db.NewMigrator(pool, migrations.FS)
			var count int
			if target > 0 {
				count, err = migrator.UpTo(ctx, target)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, closeFn, err := openPrivilegedPool(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd, statuses)
			return nil
		},
	})

	return cmd
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// openPrivilegedPool connects with the migration/service role.
func openPrivilegedPool(ctx context.Context) (*pgxpool.Pool, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.PrivilegedDatabaseURL,
		MaxConns:        2,
		ApplicationName: "rx-server-migrate",
	})
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

// idgenCmd prints identifiers without touching the database. Useful for
// support staff checking what a number minted at a given time looks like.
func idgenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "idgen [order|prescription]",
		Short:     "Generate an order or prescription number",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(idgen.KindOrder), string(idgen.KindPrescription)},
		RunE: func(cmd *cobra.Command, args []string) error {
			at, _ := cmd.Flags().GetString("at")
			id, err := generateIdentifier(args[0], at)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.Value)
			return nil
		},
	}
	cmd.Flags().String("at", "", "Generate as of this RFC3339 time instead of now")
	return cmd
}

func generateIdentifier(kind, at string) (idgen.Identifier, error) {
	g := idgen.NewGenerator()
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return idgen.Identifier{}, fmt.Errorf("invalid --at: %w", err)
		}
		g.Now = func() time.Time { return t }
	}
	return g.Generate(idgen.Kind(kind))
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.StorageDriver {
	case config.StorageMemory:
		return blobstore.NewInMemoryBlobStore(), nil
	default:
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket:   cfg.StorageBucket,
			Region:   cfg.StorageRegion,
			Endpoint: cfg.StorageEndpoint,
		})
	}
}

// newLimiter shares buckets through Redis when REDIS_URL is set and falls
// back to per-process buckets otherwise.
func newLimiter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (middleware.Limiter, func(), error) {
	if cfg.RedisURL == "" {
		local := middleware.NewLocalLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		local.StartSweeper(ctx, time.Minute, 10*time.Minute)
		return local, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		// Requests still pass while Redis is down; the limiter fails open.
		logger.Warn().Err(err).Msg("redis unreachable at startup")
	}
	return middleware.NewRedisLimiter(client, cfg.RateLimitRPS, cfg.RateLimitBurst), func() { client.Close() }, nil
}

func registerPoolGauges(m *telemetry.Metrics, name string, pool *pgxpool.Pool) {
	m.RegisterGauge("db_pool_"+name+"_acquired_connections", "Connections in use in the "+name+" pool.",
		func() int64 { return int64(db.GetPoolStats(pool).AcquiredConns) })
	m.RegisterGauge("db_pool_"+name+"_idle_connections", "Idle connections in the "+name+" pool.",
		func() int64 { return int64(db.GetPoolStats(pool).IdleConns) })
}

// apiGroups builds the /api/v1 route groups. Portal pages authenticate with
// the session cookie; the admin API takes a bearer token. Every request is
// limited by client IP before its credential is checked, and again by user
// once it is authenticated.
func apiGroups(e *echo.Echo, cfg *config.Config, authorizer *auth.Authorizer, limiter middleware.Limiter, logger zerolog.Logger) (session, bearer *echo.Group) {
	perIP := middleware.RateLimit(middleware.RateLimitConfig{
		Limiter:           limiter,
		RequestsPerSecond: cfg.RateLimitRPS,
		KeyFunc:           middleware.ClientIPKey,
		Logger:            logger,
	})
	perUser := middleware.RateLimit(middleware.RateLimitConfig{
		Limiter:           limiter,
		RequestsPerSecond: cfg.RateLimitRPS,
		Logger:            logger,
	})

	apiV1 := e.Group("/api/v1", perIP)
	session = apiV1.Group("", auth.Authenticate(authorizer, auth.SourceCookie, cfg.SessionCookieName), perUser)
	bearer = apiV1.Group("", auth.Authenticate(authorizer, auth.SourceBearer, ""), perUser)
	return session, bearer
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database. The app pool serves domain queries; role lookups go through
	// the privileged pool so a client can never influence its own role.
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "rx-server",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	privileged, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.PrivilegedDatabaseURL,
		MaxConns:        4,
		ApplicationName: "rx-server-roles",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to privileged database")
	}
	defer privileged.Close()
	logger.Info().Msg("connected to database")

	// Auth
	identity, err := auth.NewJWTIdentityProvider(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure identity provider")
	}
	policy, err := auth.ParseLookupPolicy(cfg.RoleLookupPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid role lookup policy")
	}
	authorizer, err := auth.NewAuthorizer(auth.Config{
		Identity:      identity,
		Roles:         auth.NewPGRoleReader(privileged),
		Policy:        policy,
		LookupTimeout: cfg.RoleLookupTimeout,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build authorizer")
	}
	logger.Info().Str("policy", string(policy)).Msg("role lookup configured")

	// Storage
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure blob storage")
	}

	limiter, closeLimiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure rate limiter")
	}
	defer closeLimiter()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.Sanitize(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	e.Use(middleware.BodyLimit("1M", middleware.RouteLimit{
		Method: http.MethodPost,
		Prefix: "/api/v1/prescriptions",
		Limit:  "11M",
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health"))
	e.Use(middleware.Audit(logger))

	metrics := telemetry.New()
	registerPoolGauges(metrics, "app", pool)
	registerPoolGauges(metrics, "privileged", privileged)
	e.Use(metrics.Middleware("/health", "/metrics"))
	e.GET("/metrics", metrics.Handler())

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(
		db.PoolCheck("app", pool),
		db.PoolCheck("privileged", privileged),
	))

	session, bearer := apiGroups(e, cfg, authorizer, limiter, logger)

	numbers := idgen.NewGenerator()

	profileSvc := profile.NewService(profile.NewRepoPG(pool))
	profile.NewHandler(profileSvc).RegisterRoutes(session, bearer)

	prescriptionSvc := prescription.NewService(prescription.NewRepoPG(pool), blobs, numbers, cfg.SignedURLTTL)
	prescription.NewHandler(prescriptionSvc).RegisterRoutes(session)

	orderSvc := order.NewService(order.NewRepoPG(pool), pool, numbers)
	orderSvc.SetPrescriptionChecker(prescriptionSvc)
	order.NewHandler(orderSvc).RegisterRoutes(session, bearer)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
