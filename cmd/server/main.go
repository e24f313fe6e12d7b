// chatrelay relays Telegram chats to LLM providers.
//
// The server receives platform updates on a webhook, runs each message
// through the selected agent and streams the answer back into the chat.
// Conversation history and per-chat settings live in a pluggable kv store.
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

	"github.com/agentoven/chatrelay/pkg/server"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:           "chatrelay",
	Short:         "Telegram to LLM webhook relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server receiving platform updates.

Configuration is read from the environment, an optional .env file and the
YAML file named by CHATRELAY_CONFIG.

Example:
  TELEGRAM_AVAILABLE_TOKENS=123:abc OPENAI_API_KEY=sk-... chatrelay serve
`,
	RunE: runServe,
}

var bindCmd = &cobra.Command{
	Use:   "bind",
	Short: "Point bot webhooks at this relay and install command menus",
	Long: `Register the webhook of every configured bot and set its command menus.

The base URL defaults to WEBHOOK_BASE_URL.

Example:
  chatrelay bind --base-url https://relay.example.com
`,
	RunE: runBind,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides CHATRELAY_PORT)")
	bindCmd.Flags().String("base-url", "", "Public base URL of the relay (overrides WEBHOOK_BASE_URL)")
	rootCmd.AddCommand(serveCmd, bindCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	port := srv.Port
	if p, _ := cmd.Flags().GetInt("port"); p > 0 {
		port = p
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", port).Int("bots", len(srv.Bots.All())).Msg("🔥 chatrelay is listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			srv.Shutdown(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("🛑 Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func runBind(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	srv, err := server.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer srv.Shutdown(context.Background())

	base, _ := cmd.Flags().GetString("base-url")
	if base == "" {
		base = srv.Config.Telegram.WebhookBaseURL
	}
	if base == "" {
		return errors.New("no base URL: pass --base-url or set WEBHOOK_BASE_URL")
	}
	if len(srv.Bots.All()) == 0 {
		return errors.New("no bot token configured: set TELEGRAM_AVAILABLE_TOKENS")
	}

	failed := 0
	out := cmd.OutOrStdout()
	for _, res := range srv.Bind(ctx, base) {
		fmt.Fprintf(out, "%s\n", res.Bot)
		fmt.Fprintf(out, "  webhook: %s\n", status(res.Webhook))
		for scope, err := range res.Menus {
			fmt.Fprintf(out, "  commands %s: %s\n", scope, status(err))
		}
		if !res.OK() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d bot(s) not fully bound", failed)
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
