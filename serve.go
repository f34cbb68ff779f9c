package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/ignacioreyna/omni-bot/internal/adapter/claudecli"
	"github.com/ignacioreyna/omni-bot/internal/adapter/llm"
	"github.com/ignacioreyna/omni-bot/internal/agent"
	"github.com/ignacioreyna/omni-bot/internal/agent/agenttest"
	"github.com/ignacioreyna/omni-bot/internal/analysis"
	"github.com/ignacioreyna/omni-bot/internal/auth"
	"github.com/ignacioreyna/omni-bot/internal/config"
	"github.com/ignacioreyna/omni-bot/internal/coordinator"
	"github.com/ignacioreyna/omni-bot/internal/gateway"
	"github.com/ignacioreyna/omni-bot/internal/hub"
	"github.com/ignacioreyna/omni-bot/internal/logger"
	"github.com/ignacioreyna/omni-bot/internal/permission"
	"github.com/ignacioreyna/omni-bot/internal/policy"
	"github.com/ignacioreyna/omni-bot/internal/repository"
	"github.com/ignacioreyna/omni-bot/internal/transcript"
	transport "github.com/ignacioreyna/omni-bot/internal/transport/http"
	v1 "github.com/ignacioreyna/omni-bot/internal/transport/http/v1"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting omni-bot",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("database", cfg.DatabaseURL),
		zap.Strings("allowed_directories", cfg.AllowedDirectories),
		zap.Int("max_concurrent_sessions", cfg.MaxConcurrentSessions),
		zap.String("auth_mode", cfg.AuthMode),
		zap.Bool("mock", cfg.MockMode()))

	if cfg.TraceStdout {
		shutdownTracing, err := installStdoutTracing()
		if err != nil {
			return err
		}
		defer shutdownTracing()
	}

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	// Initialize policy engine
	engine, err := policy.NewDefaultEngine(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	allow := config.NewAllowList(cfg.AllowedDirectories)
	if cfg.ConfigFile != "" {
		w := config.NewWatcher(cfg.ConfigFile, allow, log.Named("config"))
		if err := w.Start(ctx); err != nil {
			log.Warn("config watcher disabled", zap.Error(err))
		} else {
			defer w.Close()
		}
	}

	broker := permission.NewBroker(cfg.PromptTimeout, log.Named("permission"))
	completer := llm.NewCompleter(cfg.Mode, cfg.AnthropicAPIKey, log.Named("llm"))
	scanner := transcript.NewScanner(cfg.TranscriptsDir, log.Named("transcript"))

	coord := coordinator.New(db, newRuntime(cfg, log), broker, coordinator.Options{
		MaxConcurrentSessions:  cfg.MaxConcurrentSessions,
		InteractivePermissions: cfg.InteractivePermissions,
		Directories:            allow,
		Policy:                 engine,
		Analyzer:               analysis.New(completer, cfg.AnalysisModel, log.Named("analysis")),
		Transcripts:            scanner,
		Logger:                 log.Named("coordinator"),
	})

	var tokens *auth.JWTService
	var authenticator gateway.Authenticator
	if cfg.AuthMode == config.AuthModeJWT {
		tokens = auth.NewJWTService(cfg.AuthSecret, cfg.APITokenTTL, cfg.WSTokenTTL)
		authenticator = tokens
	}

	h := hub.NewHub(log.Named("hub"))
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		h.Run(ctx)
	}()

	gw := gateway.NewServer(ctx, h, coord, gateway.Options{
		PingInterval:   cfg.PingInterval,
		WriteTimeout:   cfg.WriteTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		Auth:           authenticator,
		DefaultOwner:   config.DefaultOwner,
	}, log.Named("gateway"))
	unsubscribe := coord.Subscribe(gw)
	defer unsubscribe()

	api := v1.NewHandler(coord, v1.Options{
		Directories: allow,
		Transcripts: scanner,
		Tokens:      tokens,
		AuthMode:    cfg.AuthMode,
	})
	e := transport.NewServer(api, gw, transport.ServerOptions{
		Tokens:       tokens,
		DefaultOwner: config.DefaultOwner,
		CORS:         true,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("server started", zap.Int("port", cfg.HTTPPort))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("server failed", zap.Error(err))
		stop()
	}

	log.Info("shutting down")
	coord.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to shutdown server gracefully", zap.Error(err))
	}
	<-hubDone

	log.Info("omni-bot stopped")
	return nil
}

// newRuntime selects the agent runtime. Mock mode echoes prompts back.
func newRuntime(cfg *config.Config, log *zap.Logger) agent.Runtime {
	if !cfg.MockMode() {
		return claudecli.New(cfg.ClaudeBin, log.Named("claudecli"))
	}
	log.Info("mock mode detected, using echo agent runtime")
	rt := agenttest.New()
	rt.SetFallback(func(ctx context.Context, req agent.InvokeRequest, emit agenttest.Emit) {
		remote := req.ResumeID
		if remote == "" {
			remote = uuid.NewString()
		}
		agenttest.Events(
			agenttest.Init(remote),
			agenttest.Text("Echo: "+req.Prompt),
			agenttest.Result("Echo: "+req.Prompt, remote),
		)(ctx, req, emit)
	})
	return rt
}

func installStdoutTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}
