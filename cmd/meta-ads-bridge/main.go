package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	adsbridge "github.com/opengovern/meta-ads-bridge"
	"github.com/opengovern/meta-ads-bridge/tools"
)

var version = "dev"

var (
	v      = viper.New()
	debug  bool
	asUser string
)

var rootCmd = &cobra.Command{
	Use:          "meta-ads-bridge",
	Short:        "Meta Marketing API bridge",
	Long:         "Serves the Meta Marketing API to agents as MCP tools, with quota tracking, retries and token refresh",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP tools over HTTP",
	RunE:  runServe,
}

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve MCP tools over stdin/stdout",
	RunE:  runStdio,
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List the ad accounts visible to the configured token",
	RunE:  runAccounts,
}

func init() {
	rootCmd.PersistentFlags().String("addr", ":8080", "Address to listen on")
	rootCmd.PersistentFlags().String("redis-url", "", "Redis URL for sessions and tokens (memory when empty)")
	rootCmd.PersistentFlags().String("tier", "development", "Access tier: development or standard")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&asUser, "user", "", "User id whose stored token stdio and accounts act as")

	for key, flag := range map[string]string{
		"addr":      "addr",
		"redis_url": "redis-url",
		"tier":      "tier",
	} {
		if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			log.Fatalf("Failed to bind %s flag: %v", flag, err)
		}
	}

	rootCmd.AddCommand(serveCmd, stdioCmd, accountsCmd)
}

func newLogger() *log.Logger {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if debug {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	a, err := newApp(ctx, v, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireInboundAuth(); err != nil {
		return err
	}
	a.bridge.SetDebug(debug)

	srv := &http.Server{
		Addr:              a.settings.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{"addr": srv.Addr, "tier": a.cfg.Tier.Name, "version": version}).Info("meta-ads-bridge listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runStdio(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, v, newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	server := a.tools
	if asUser != "" {
		server = tools.NewServer(userScoped{Bridge: a.bridge, userID: asUser}, version, a.logger.WithField("component", "tools"))
	}
	return server.MCPServer().Run(ctx, &mcp.StdioTransport{})
}

func runAccounts(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), v, newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	if asUser != "" {
		ctx = adsbridge.WithUserID(ctx, asUser)
	}
	accounts, err := a.bridge.ListAdAccounts(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(accounts)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
