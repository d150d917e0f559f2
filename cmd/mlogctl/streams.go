package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/carlmjohnson/requests"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jonasrothfuss/ml-logger/api"
	"github.com/jonasrothfuss/ml-logger/client"
	"github.com/jonasrothfuss/ml-logger/store"
)

const recordTemplate = `{{ .Kind }} {{ if .HasStep }}step={{ .Step }} {{ end }}{{ parseDate .Timestamp }} {{ bytesToString .Payload }}`

type recordView struct {
	Kind      string
	Step      uint64
	HasStep   bool
	Timestamp uint64
	Payload   []byte
}

func mustLogger() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger
}

func Streams(ctx context.Context, config *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use: "streams",
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Run: func(cmd *cobra.Command, args []string) {
			l := mustLogger()
			var out struct {
				Streams []store.StreamInfo `json:"streams"`
			}
			err := requests.
				URL(config.GetString("endpoint")).
				Path("/v1/streams").
				Param("run", config.GetString("run")).
				ToJSON(&out).
				Fetch(ctx)
			if err != nil {
				l.Fatal("failed to list streams", zap.Error(err))
			}
			table := getTable([]string{"Run", "Key", "Entries", "Size", "Last Write"}, cmd.OutOrStdout())
			for _, info := range out.Streams {
				table.Append([]string{
					info.Run,
					info.Key,
					strconv.FormatUint(info.Entries, 10),
					humanize.Bytes(info.Bytes),
					timeToDuration(info.LastWrite),
				})
			}
			table.Render()
		},
	}
	list.Flags().StringP("run", "r", "", "Only list streams under this run")
	cmd.AddCommand(list)

	read := &cobra.Command{
		Use:  "read",
		Args: cobra.ExactArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			l := mustLogger()
			fetcher := client.NewFetcher(config.GetString("endpoint"))
			behaviour := client.EOFBehaviourExit
			if config.GetBool("watch") {
				behaviour = client.EOFBehaviourPoll
			}
			tpl := ParseTemplate(config.GetString("format"))
			poller := fetcher.Tail(ctx,
				config.GetString("run"),
				config.GetString("key"),
				client.FromOffset(config.GetUint64("from-offset")),
				client.WithEOFBehaviour(behaviour),
			)
			for batch := range poller.Ready() {
				for _, rec := range batch.Records {
					view := recordView{
						Kind:      rec.Kind.String(),
						Timestamp: rec.Timestamp,
						Payload:   rec.Payload,
					}
					if rec.Step != nil {
						view.Step, view.HasStep = *rec.Step, true
					}
					err := tpl.Execute(cmd.OutOrStdout(), view)
					if err != nil {
						l.Fatal("failed to format record", zap.Error(err))
					}
				}
			}
			if err := poller.Error(); err != nil {
				l.Fatal("failed to read stream", zap.Error(err))
			}
		},
	}
	read.Flags().StringP("run", "r", "", "Run name")
	read.MarkFlagRequired("run")
	read.Flags().StringP("key", "k", "metrics", "Stream key")
	read.Flags().Uint64("from-offset", 0, "Byte offset to read from")
	read.Flags().Bool("watch", false, "Keep polling for new records")
	read.Flags().String("format", recordTemplate, "Format each record using Golang template format.")
	cmd.AddCommand(read)

	post := &cobra.Command{
		Use:  "post",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			l := mustLogger()
			c, err := client.New(client.Config{
				Destination: config.GetString("endpoint"),
				Run:         config.GetString("run"),
			})
			if err != nil {
				l.Fatal("failed to create client", zap.Error(err))
			}
			if step := config.GetInt64("step"); step >= 0 {
				err = c.Log(uint64(step), api.Fields{config.GetString("key"): args[0]})
				if err == nil {
					err = c.Flush()
				}
			} else {
				err = c.LogText(config.GetString("key"), args[0])
			}
			if err != nil {
				l.Fatal("failed to post record", zap.Error(err))
			}
			if err := c.Close(ctx); err != nil {
				l.Fatal("failed to drain", zap.Error(err))
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.Run())
		},
	}
	post.Flags().StringP("run", "r", "", "Run name (generated when empty)")
	post.Flags().StringP("key", "k", "text.log", "Stream key or metric field")
	post.Flags().Int64("step", -1, "Step index; negative posts a one-shot text record")
	cmd.AddCommand(post)

	return cmd
}
