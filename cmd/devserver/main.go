// Package main is the entry point for the development backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/config"
	"github.com/capitalize-ai/persona-chat/internal/handler"
	"github.com/capitalize-ai/persona-chat/internal/llm"
	"github.com/capitalize-ai/persona-chat/internal/middleware"
	"github.com/capitalize-ai/persona-chat/internal/service"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
	"github.com/capitalize-ai/persona-chat/pkg/tracing"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "devserver",
		Short:         "Run the in-memory persona chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default ./personachat.yaml)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "devserver: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting development backend")

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, "persona-chat-devserver", cfg.Tracing.Endpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	llmClient, err := newLLM(cfg.DevServer)
	if err != nil {
		log.Warn("falling back to echo replies", zap.Error(err))
		llmClient = llm.NewEchoClient(20 * time.Millisecond)
	}
	log.Info("replier ready", zap.String("provider", llmClient.Name()))

	directory := service.NewDirectory(log)
	service.SeedDemo(directory)

	router := handler.NewRouter(handler.Deps{
		Directory:         directory,
		Conversations:     service.NewConversationService(directory, log),
		Messages:          service.NewMessageService(llmClient, log),
		Issuer:            middleware.NewIssuer(cfg.DevServer.JWTSecret, cfg.DevServer.JWTExpiration, cfg.DevServer.RefreshExpiration),
		Logger:            log,
		RateLimitRequests: cfg.DevServer.RateLimitRequests,
		RateLimitWindow:   cfg.DevServer.RateLimitWindow,
	})

	server := &http.Server{
		Addr:         ":" + cfg.DevServer.Port,
		Handler:      router,
		ReadTimeout:  cfg.DevServer.ReadTimeout,
		WriteTimeout: cfg.DevServer.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.DevServer.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// newLLM picks the replier. An explicit default_llm wins; with the echo
// default a configured provider key is used, Anthropic first.
func newLLM(cfg config.DevServerConfig) (llm.Client, error) {
	provider := llm.Provider(cfg.DefaultLLM)
	if provider == llm.ProviderEcho || provider == "" {
		switch {
		case cfg.AnthropicAPIKey != "":
			provider = llm.ProviderAnthropic
		case cfg.OpenAIAPIKey != "":
			provider = llm.ProviderOpenAI
		default:
			return llm.NewEchoClient(20 * time.Millisecond), nil
		}
	}

	key := cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI {
		key = cfg.OpenAIAPIKey
	}
	return llm.NewClient(provider, key)
}
