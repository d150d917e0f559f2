package main

import (
	"context"
	"log"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	config := viper.New()
	config.SetEnvPrefix("MLOGCTL")
	config.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	config.AutomaticEnv()

	ctx := context.Background()
	rootCmd := &cobra.Command{
		Use:   "mlogctl",
		Short: "Operate an mlogd stream store",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			config.BindPFlags(cmd.Flags())
			config.BindPFlags(cmd.PersistentFlags())
		},
	}
	rootCmd.PersistentFlags().StringP("endpoint", "e", "http://localhost:8081", "mlogd HTTP endpoint")

	rootCmd.AddCommand(Streams(ctx, config))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
