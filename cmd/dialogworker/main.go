package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/riverrelay/dialogworker/internal/compose"
	"github.com/riverrelay/dialogworker/internal/profile"
	"github.com/riverrelay/dialogworker/internal/version"
	"github.com/riverrelay/dialogworker/server"
)

var rootCmd = &cobra.Command{
	Use:   "dialogworker",
	Short: `A conversational Telegram assistant that bridges chat webhooks to an LLM, with rate limiting, admin commands, and CSV export.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Only load .env for direct binary execution (not when running as systemd service)
		// Systemd uses /etc/dialogworker/config for environment variables instead.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{}
		instanceProfile.FromEnv()

		// Flags (and their bound env vars) take precedence over the
		// DIALOGWORKER_* defaults FromEnv already applied.
		if viper.GetString("mode") != "" {
			instanceProfile.Mode = viper.GetString("mode")
		}
		if viper.GetString("addr") != "" {
			instanceProfile.Addr = viper.GetString("addr")
		}
		if viper.IsSet("port") {
			instanceProfile.Port = viper.GetInt("port")
		}
		if viper.GetString("data") != "" {
			instanceProfile.Data = viper.GetString("data")
		}
		instanceProfile.Version = version.GetCurrentVersion(instanceProfile.Mode)

		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}

		app, err := compose.Build(instanceProfile)
		if err != nil {
			slog.Error("failed to wire application", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := app.Close(); err != nil {
				slog.Error("failed to close application", "error", err)
			}
		}()

		srv := server.New(app)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := make(chan os.Signal, 1)
		// SIGTERM is the default signal sent by `kill` and is how most
		// process managers (systemd, kubernetes) request graceful shutdown.
		signal.Notify(c, terminationSignals...)

		go func() {
			addr := net.JoinHostPort(instanceProfile.Addr, fmt.Sprintf("%d", instanceProfile.Port))
			if err := srv.Echo().Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("server stopped unexpectedly", "error", err)
				cancel()
			}
		}()

		printGreetings(instanceProfile)

		go func() {
			<-c
			slog.Info("shutting down")
			_ = srv.Echo().Shutdown(ctx)
			cancel()
		}()

		<-ctx.Done()
	},
}

func init() {
	viper.SetDefault("mode", "demo")
	viper.SetDefault("port", 8080)

	rootCmd.PersistentFlags().String("mode", "demo", `mode of server, can be "prod", "dev", or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address to bind")
	rootCmd.PersistentFlags().Int("port", 8080, "port to listen on")
	rootCmd.PersistentFlags().String("data", "", "data directory for the sqlite database")

	for _, flag := range []string{"mode", "addr", "port", "data"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("dialogworker")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("dialogworker %s started successfully!\n", p.Version)
	if p.IsDev() {
		fmt.Fprintln(os.Stderr, "Development mode is enabled")
	}
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Database driver: %s (%s)\n", p.Driver, p.DSN)
	fmt.Printf("Mode: %s\n", p.Mode)
	if p.Addr == "" {
		fmt.Printf("Server listening on port %d\n", p.Port)
	} else {
		fmt.Printf("Server listening on %s:%d\n", p.Addr, p.Port)
	}
	if !p.IsAIEnabled() {
		fmt.Fprintln(os.Stderr, "Warning: no LLM API key configured, replies will fail until one is set")
	}
}

// isRunningAsSystemdService detects whether the process was started by systemd,
// which manages environment variables itself instead of via a .env file.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
