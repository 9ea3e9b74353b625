package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kal997/block-notification-server/internal/client"
	"github.com/kal997/block-notification-server/internal/logger"
	"github.com/kal997/block-notification-server/internal/models"
	"github.com/kal997/block-notification-server/internal/source"
	"github.com/kal997/block-notification-server/internal/storage"
)

func main() {
	// Local dev convenience; a missing .env is fine for the CLI
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "blocknotify",
		Short:        "Block notification CLI",
		Long:         "blocknotify watches block operation notifications and emits test events.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("log-level", envOr("LOG_LEVEL", "info"), "Log level: debug|info|warn|error")

	// watch
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to blocks and print every notification",
		RunE:  runWatch,
	}
	watchCmd.Flags().String("url", "ws://localhost:7420/ws", "Notification server WebSocket URL")
	watchCmd.Flags().Int32Slice("block", nil, "Block id to watch (repeatable)")
	watchCmd.Flags().StringSlice("ops", []string{"write"}, "Operations to watch")
	watchCmd.Flags().String("journal", os.Getenv("LOG_FILE"), "Journal file (default $LOG_FILE; empty disables)")
	_ = watchCmd.MarkFlagRequired("block")
	rootCmd.AddCommand(watchCmd)

	// emit
	emitCmd := &cobra.Command{
		Use:   "emit",
		Short: "Perform a block operation in Redis so subscribers are notified",
		Long: "emit writes or deletes a block key (notified through keyspace events) or, for any " +
			"other op, publishes an explicit event on the event channel.",
		RunE: runEmit,
	}
	emitCmd.Flags().String("redis", redisAddrFromEnv(), "Redis address host:port")
	emitCmd.Flags().Int32("block", 0, "Block id")
	emitCmd.Flags().String("op", "write", "Operation: write|delete|<any other op>")
	emitCmd.Flags().String("data", "", "Block data or event payload")
	emitCmd.Flags().String("key-prefix", envOr("BLOCK_KEY_PREFIX", source.DefaultKeyPrefix), "Block key prefix")
	emitCmd.Flags().String("channel", envOr("EVENT_CHANNEL", source.DefaultEventChannel), "Event channel")
	emitCmd.Flags().Bool("enable-keyspace", false, "Enable keyspace notifications on the Redis server first")
	_ = emitCmd.MarkFlagRequired("block")
	rootCmd.AddCommand(emitCmd)

	return rootCmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	url, _ := cmd.Flags().GetString("url")
	blocks, _ := cmd.Flags().GetInt32Slice("block")
	ops, _ := cmd.Flags().GetStringSlice("ops")
	journalPath, _ := cmd.Flags().GetString("journal")
	level, _ := cmd.Flags().GetString("log-level")

	log, err := logger.New(level, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	var journal logger.Journal
	if journalPath != "" {
		fj, err := logger.NewFileJournal(journalPath)
		if err != nil {
			return err
		}
		defer fj.Close()
		journal = fj
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := client.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, b := range blocks {
		if err := c.Subscribe(ctx, models.BlockID(b), ops...); err != nil {
			return err
		}
	}
	log.WithFields(logrus.Fields{
		"url":    url,
		"blocks": blocks,
		"ops":    ops,
	}).Info("watching")

	return watch(ctx, c, journal, log, cmd.OutOrStdout())
}

func watch(ctx context.Context, c *client.Client, journal logger.Journal, log logrus.FieldLogger, out io.Writer) error {
	errs := c.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.WithField("error", msg).Warn("server rejected a request")
		case n, ok := <-c.Notifications():
			if !ok {
				return fmt.Errorf("connection closed: %w", c.Err())
			}
			fmt.Fprintln(out, logger.FormatNotification(n))
			if journal == nil {
				continue
			}
			if err := journal.Record(ctx, n); err != nil {
				log.WithError(err).Error("failed to journal notification")
			}
		}
	}
}

func runEmit(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("redis")
	block, _ := cmd.Flags().GetInt32("block")
	op, _ := cmd.Flags().GetString("op")
	data, _ := cmd.Flags().GetString("data")
	prefix, _ := cmd.Flags().GetString("key-prefix")
	channel, _ := cmd.Flags().GetString("channel")
	enableKeyspace, _ := cmd.Flags().GetBool("enable-keyspace")

	store, err := storage.NewRedisStorage(addr, storage.RedisOptions{
		KeyPrefix:    prefix,
		EventChannel: channel,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if enableKeyspace {
		if err := store.EnableKeyspaceEvents(ctx); err != nil {
			return err
		}
	}

	if err := emit(ctx, store, models.BlockID(block), op, []byte(data)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "emitted %s on block %d\n", op, block)
	return nil
}

// emit maps CLI ops onto storage operations
func emit(ctx context.Context, store storage.Storage, block models.BlockID, op string, data []byte) error {
	switch op {
	case "write":
		return store.Write(ctx, block, data)
	case "delete":
		return store.Delete(ctx, block)
	default:
		return store.Emit(ctx, block, op, data)
	}
}

func redisAddrFromEnv() string {
	return envOr("REDIS_HOST", "localhost") + ":" + envOr("REDIS_PORT", "6379")
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
