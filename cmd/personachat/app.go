package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/api"
	"github.com/capitalize-ai/persona-chat/internal/config"
	"github.com/capitalize-ai/persona-chat/internal/credentials"
	"github.com/capitalize-ai/persona-chat/internal/events"
	"github.com/capitalize-ai/persona-chat/internal/session"
	"github.com/capitalize-ai/persona-chat/internal/transport"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
	"github.com/capitalize-ai/persona-chat/pkg/tracing"
)

// app holds what every command needs: configuration, the signed-in client and
// the optional event sink.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	creds  *credentials.Store
	client *api.Client
	events events.Publisher

	tp      *sdktrace.TracerProvider
	metrics *http.Server
}

func newApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	var log *logger.Logger
	if cfg.Log.Development {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.Log.Level)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.SetGlobal(log)

	a := &app{cfg: cfg, log: log, events: events.Nop{}}
	ctx := cmd.Context()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, "personachat", cfg.Tracing.Endpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			a.tp = tp
		}
	}

	if metricsAddr != "" {
		a.metrics = &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	a.creds = credentials.Open(cfg.Auth.CredentialsPath, log)
	if !a.creds.Persistent() {
		log.Warn("credentials will not survive this process")
	}

	tc, err := transport.New(transport.Config{
		BaseURL:       cfg.API.BaseURL,
		Timeout:       cfg.API.Timeout,
		MaxRetries:    cfg.API.MaxRetries(),
		RetryDelay:    cfg.API.RetryDelay,
		MaxRetryDelay: cfg.API.MaxRetryDelay,
		RateLimit:     cfg.API.RateLimit,
		Burst:         cfg.API.RateBurst,
		UserAgent:     "personachat/" + version,
	}, a.creds, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = api.New(tc, log)

	if cfg.Events.NATSURL != "" {
		js, err := events.Connect(ctx, events.Config{
			URL:      cfg.Events.NATSURL,
			CAFile:   cfg.Events.CAFile,
			CertFile: cfg.Events.CertFile,
			KeyFile:  cfg.Events.KeyFile,
			Token:    cfg.Events.Token,
		}, log)
		if err != nil {
			log.Warn("event sink unavailable; events disabled", zap.Error(err))
		} else {
			a.events = js
		}
	}

	return a, nil
}

// session starts a session controller for this app's client.
func (a *app) session() *session.Controller {
	return session.New(a.client, session.Options{
		Features: a.cfg.Features,
		Chat:     a.cfg.Chat,
		Events:   a.events,
		Logger:   a.log,
	})
}

// requireLogin fails early when no credentials are stored.
func (a *app) requireLogin() error {
	if a.creds.Tokens().Empty() {
		return errors.New("not logged in; run `personachat login` first")
	}
	return nil
}

func (a *app) Close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.log.Debug("failed to close event sink", zap.Error(err))
		}
	}
	if a.creds != nil {
		a.creds.Close()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		a.metrics.Shutdown(ctx)
		cancel()
	}
	if a.tp != nil {
		tracing.Shutdown(context.Background(), a.tp)
	}
	a.log.Sync()
}

// withApp wraps a command body with app setup and teardown.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return userError(fn(cmd, a, args))
	}
}

// userError turns err into the message shown on the terminal. Cancellation
// (Ctrl-C) is not an error.
func userError(err error) error {
	if err == nil || transport.IsCancelled(err) {
		return nil
	}
	var te *transport.Error
	if !errors.As(err, &te) {
		return err
	}
	return errors.New(transport.UserMessage(err))
}
