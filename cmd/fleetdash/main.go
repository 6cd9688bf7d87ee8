package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetdash/internal/auth"
	"fleetdash/internal/config"
	"fleetdash/internal/dashboard"
	"fleetdash/internal/feed"
	"fleetdash/internal/hub"
	"fleetdash/internal/logging"
	"fleetdash/internal/metrics"
	"fleetdash/internal/model"
	"fleetdash/internal/server"
	"fleetdash/internal/session"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "fleetdash",
		Short:        "Live machine fleet dashboard",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), watchCmd(), tokenCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard API and live view",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	gin.SetMode(cfg.GinMode)
	m := metrics.New()

	var sessions session.Provider = session.NewMemoryProvider()
	if cfg.SessionDBPath != "" {
		db, err := session.NewBadgerStore(cfg.SessionDBPath)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer db.Close()
		sessions = db
	}

	factory := &dashboard.SessionFactory{
		Sessions:   sessions,
		APIBaseURL: cfg.APIBaseURL,
		HTTPClient: &http.Client{Timeout: cfg.APITimeout},
		NewFeed:    feedFactory(cfg, m),
		Topic:      cfg.FeedTopic,
		FeedBuffer: cfg.FeedBuffer,
		Metrics:    m,
		Logger:     logger,
	}
	registry := dashboard.NewRegistry(factory.Build, sessions)

	router := server.NewRouter(server.Deps{
		Registry:         registry,
		Sessions:         sessions,
		Hub:              hub.New(),
		TokenConfig:      auth.DefaultTokenConfig(cfg.JWTSecret),
		Logger:           logger,
		CommandRateLimit: cfg.CommandRateLimit,
		Location:         cfg.ScheduleLocation,
		Version:          version,
	})

	g, gctx := errgroup.WithContext(ctx)
	httpSrv := server.NewHTTPServer(cfg, router)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", httpSrv.Addr),
			zap.String("feed", cfg.FeedTransport), zap.String("api", cfg.APIBaseURL))
		return server.Run(gctx, httpSrv, cfg.TLSCertFile, cfg.TLSKeyFile)
	})
	if metricsSrv := server.NewMetricsServer(cfg, m); metricsSrv != nil {
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", metricsSrv.Addr))
			return server.Run(gctx, metricsSrv, "", "")
		})
	}

	err = g.Wait()
	if cerr := registry.CloseAll(); cerr != nil {
		logger.Warn("close dashboards", zap.Error(cerr))
	}
	return err
}

// feedFactory returns the per-dashboard feed client constructor for the
// configured transport.
func feedFactory(cfg config.Config, m *metrics.Metrics) func(*zap.Logger) dashboard.FeedClient {
	return func(logger *zap.Logger) dashboard.FeedClient {
		var dial feed.Dialer
		switch cfg.FeedTransport {
		case config.FeedNATS:
			dial = &feed.NATSDialer{URL: cfg.FeedEndpoint, Name: "fleetdash", Logger: logger}
		default:
			dial = &feed.STOMPDialer{URL: cfg.FeedEndpoint, Logger: logger}
		}
		return feed.NewClient(dial, feed.WithLogger(logger), feed.WithMetrics(m))
	}
}

func watchCmd() *cobra.Command {
	var mail, token string
	var roles []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the fleet view of one user as it changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cfg, session.Context{Mail: mail, Token: token, Roles: roleList(roles)}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&mail, "mail", "", "user mail")
	cmd.Flags().StringVar(&token, "token", "", "machine service token")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role granted to the session, repeatable")
	_ = cmd.MarkFlagRequired("mail")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func roleList(names []string) []model.Role {
	out := make([]model.Role, 0, len(names))
	for _, n := range names {
		out = append(out, model.Role{Name: n})
	}
	return out
}

// tokenCmd signs a bearer token with JWT_SECRET so the API can be driven
// without the account service.
func tokenCmd() *cobra.Command {
	var mail string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for local runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			tok, err := auth.CreateToken(mail, auth.DefaultTokenConfig(cfg.JWTSecret))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&mail, "mail", "", "token subject")
	_ = cmd.MarkFlagRequired("mail")
	return cmd
}

func watch(ctx context.Context, cfg config.Config, sc session.Context, out io.Writer) error {
	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		return err
	}
	defer logger.Sync()

	sessions := session.NewMemoryProvider()
	if err := session.Save(sessions.Scope(sc.Mail), sc); err != nil {
		return err
	}
	factory := &dashboard.SessionFactory{
		Sessions:   sessions,
		APIBaseURL: cfg.APIBaseURL,
		HTTPClient: &http.Client{Timeout: cfg.APITimeout},
		NewFeed:    feedFactory(cfg, nil),
		Topic:      cfg.FeedTopic,
		FeedBuffer: cfg.FeedBuffer,
		Logger:     logger,
	}
	d, err := factory.Build(ctx, sc.Mail)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Start(ctx); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	cancel := d.Watch(func(view []model.Machine) {
		_ = enc.Encode(view)
	})
	defer cancel()

	<-ctx.Done()
	return nil
}
