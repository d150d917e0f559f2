package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jonasrothfuss/ml-logger/server"
	"github.com/jonasrothfuss/ml-logger/store"
)

func getLogger(config *viper.Viper) *zap.Logger {
	var logger *zap.Logger
	var err error
	if config.GetBool("debug") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func main() {
	config := viper.New()
	config.SetEnvPrefix("MLOGD")
	config.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	config.AutomaticEnv()
	cmd := cobra.Command{
		Use:   "mlogd",
		Short: "mlogd serves append-only experiment streams over HTTP",
		PreRun: func(cmd *cobra.Command, _ []string) {
			config.BindPFlags(cmd.Flags())
		},
		Run: func(cmd *cobra.Command, _ []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			logger := getLogger(config)
			defer logger.Sync()

			dataDir := config.GetString("data-dir")
			err := os.MkdirAll(dataDir, 0750)
			if err != nil {
				logger.Fatal("failed to create data directory", zap.Error(err))
			}
			st, err := store.Open(dataDir, store.WithLogger(logger.Named("store")))
			if err != nil {
				logger.Fatal("failed to open store", zap.Error(err))
			}
			defer st.Close()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Info("shutting down", zap.String("signal", sig.String()))
				cancel()
			}()

			srv := server.New(st, logger.Named("http"))
			err = srv.ListenAndServe(ctx, config.GetString("listen-address"))
			if err != nil {
				logger.Fatal("http server failed", zap.Error(err))
			}
			logger.Info("stopped")
		},
	}
	cmd.Flags().String("data-dir", "/var/lib/mlogd", "Stream files are stored in this directory")
	cmd.Flags().String("listen-address", "[::]:8081", "HTTP listen address")
	cmd.Flags().Bool("debug", false, "Use a developer-friendly log format")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
