package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor/timestamp"
	"github.com/jmerrifield20/ledgeranchor/internal/anchorer"
	"github.com/jmerrifield20/ledgeranchor/internal/auth"
	"github.com/jmerrifield20/ledgeranchor/internal/handler"
	"github.com/jmerrifield20/ledgeranchor/internal/health"
	"github.com/jmerrifield20/ledgeranchor/internal/tsa"
	"github.com/jmerrifield20/ledgeranchor/internal/webhooks"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("anchord exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("anchord")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	httpPort := viper.GetInt("server.port")
	grpcPort := viper.GetInt("server.grpc_port")

	// ── Storage ──────────────────────────────────────────────────────────────
	startCtx := context.Background()
	st, err := openStorage(startCtx, viper.GetViper(), logger)
	if err != nil {
		return err
	}
	defer st.close()

	if err := st.ledger.Verify(startCtx); err != nil {
		logger.Warn("ledger integrity check FAILED", zap.Error(err))
	} else {
		n, _ := st.ledger.Len(startCtx)
		logger.Info("ledger verified", zap.Int64("transactions", n))
	}

	// ── Development TSA ──────────────────────────────────────────────────────
	var tsaHandler *tsa.Handler
	if viper.GetBool("tsa.enabled") {
		certDir := viper.GetString("tsa.cert_dir")
		authority := tsa.NewAuthority(certDir, viper.GetInt("tsa.key_bits"))
		if p := viper.GetString("tsa.policy"); p != "" {
			oid, err := timestamp.ParsePolicy(p)
			if err != nil {
				return fmt.Errorf("tsa.policy: %w", err)
			}
			authority.SetPolicy(oid)
		}
		if err := authority.LoadOrCreate(); err != nil {
			return fmt.Errorf("TSA setup failed: %w", err)
		}
		tsaHandler = tsa.NewHandler(authority, logger)
		logger.Warn("development TSA enabled; do not rely on its tokens in production",
			zap.String("cert_dir", certDir),
		)
	}

	// ── Recorder tree ────────────────────────────────────────────────────────
	viper.SetDefault("anchoring.recorder", defaultRecorderConfig(viper.GetViper()))
	recorder, err := buildRecorder(viper.GetViper(), logger)
	if err != nil {
		return err
	}

	// ── Anchoring driver + readiness ─────────────────────────────────────────
	driver := anchorer.New(st.ledger, recorder, st.proofs, anchorer.Config{
		Interval: viper.GetDuration("anchoring.interval"),
		Timeout:  viper.GetDuration("anchoring.timeout"),
	}, logger)
	driver.SetMetricsRecord(handler.RecordAnchorRun)

	var subs []webhooks.Subscription
	if err := viper.UnmarshalKey("notify.webhooks", &subs); err != nil {
		return fmt.Errorf("decode notify.webhooks: %w", err)
	}
	notifier := webhooks.NewDispatcher(subs, logger)
	notifier.SetMetricsRecorder(handler.RecordWebhookDelivery)
	if notifier.Len() > 0 {
		driver.SetResultHook(notifier.OnAnchorRun)
		logger.Info("anchor notifications enabled", zap.Int("webhooks", notifier.Len()))
	}

	healthSvc := grpchealth.NewServer()
	reporter := health.New(recorder, healthSvc, health.Config{
		CheckInterval: viper.GetDuration("readiness.check_interval"),
		ProbeTimeout:  viper.GetDuration("readiness.probe_timeout"),
		FailThreshold: viper.GetInt("readiness.fail_threshold"),
	}, logger)
	reporter.SetMetricsRecord(handler.RecordReadinessProbe)

	// ── Operator auth ────────────────────────────────────────────────────────
	tokens := auth.NewOperatorTokens(viper.GetString("auth.operator_secret"), viper.GetDuration("auth.token_ttl"))
	if !tokens.Enabled() {
		logger.Warn("operator auth disabled; set auth.operator_secret to protect write endpoints")
	}
	operate := auth.RequireOperator(tokens)

	ledgerHandler := handler.NewLedgerHandler(st.ledger, operate, logger)
	anchorHandler := handler.NewAnchorHandler(st.proofs, st.ledger, recorder, driver, operate, logger)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(rps, rps*2))
	}
	router.Use(handler.RequestLogger(logger))
	router.Use(handler.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "recorder_serving": reporter.Serving()})
	})
	router.GET("/metrics", handler.MetricsHandler())

	if tsaHandler != nil {
		tsaHandler.Register(router.Group("/dev"))
	}

	v1 := router.Group("/api/v1")
	ledgerHandler.Register(v1)
	anchorHandler.Register(v1)

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
	healthpb.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	// ── Start ────────────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("anchord HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("anchord gRPC health listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	go reporter.Start(done)
	go driver.Start(done)
	logger.Info("anchoring started",
		zap.Duration("interval", viper.GetDuration("anchoring.interval")),
		zap.Bool("recorder_ready", recorder.CanRecordAnchor(startCtx)),
	)

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down anchord...")
	close(done)
	healthSvc.Shutdown()
	grpcServer.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	notifier.Wait()
	logger.Info("anchord stopped")
	return nil
}

// buildRecorder decodes anchoring.recorder and builds the recorder tree.
func buildRecorder(v *viper.Viper, logger *zap.Logger) (anchor.Recorder, error) {
	var cfg anchor.RecorderConfig
	if err := v.UnmarshalKey("anchoring.recorder", &cfg); err != nil {
		return nil, fmt.Errorf("decode anchoring.recorder: %w", err)
	}

	reg := anchor.NewRegistry(logger)
	reg.Register(timestamp.Kind, timestamp.Factory)
	reg.SetDefaultPartyID(partyID(v))

	rec, err := reg.Build(cfg, "anchoring.recorder")
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &anchor.ConfigError{Path: "anchoring.recorder", Err: errors.New("recorder is disabled")}
	}
	logger.Info("recorder configured",
		zap.String("kind", cfg.Kind),
		zap.Strings("kinds", reg.Kinds()),
	)
	return rec, nil
}

// partyID is anchoring.party_id, falling back to the host name.
func partyID(v *viper.Viper) string {
	if id := v.GetString("anchoring.party_id"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		return "anchord"
	}
	return host
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
