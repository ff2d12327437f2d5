package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loftwire/relay/pkg/relay/bridge"
	"github.com/loftwire/relay/pkg/relay/config"
	"github.com/loftwire/relay/pkg/relay/event"
)

// publishCmd injects a domain event into the broadcast channel, the
// same way the CRUD services do after a write commits. Useful for
// smoke-testing delivery without a running producer.
var publishCmd = &cobra.Command{
	Use:   "publish <event-type> <workspace-id> [json-data]",
	Short: "Publish a domain event on the broadcast channel",
	Long: `Publish a domain event on the shared Redis channel. Every relayd
process subscribed to the channel delivers it to the live connections of
the target workspace.

Examples:
  relayd publish presence.updated w1 '{"user_id":"alice","status":"online"}'
  relayd publish message.new w1 '{"id":"m1","text":"hello"}'
  relayd publish channel.created w1 '{"name":"general"}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runPublish,
}

var (
	publishConfigPath string
	publishTimeout    time.Duration
)

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringVarP(&publishConfigPath, "config", "c", "", "HCL configuration file (for the Redis connection)")
	publishCmd.Flags().DurationVar(&publishTimeout, "timeout", 10*time.Second, "total operation timeout")
}

func runPublish(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	kind, err := event.ParseKind(args[0])
	if err != nil {
		return err
	}
	workspaceID := args[1]

	data := map[string]any{}
	if len(args) == 3 {
		if err := json.Unmarshal([]byte(args[2]), &data); err != nil {
			return fmt.Errorf("data must be a JSON object: %w", err)
		}
	}

	cfg, err := config.Load(publishConfigPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	bus, err := bridge.NewRedisBus(ctx, &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Redis.Channel)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer bus.Close()

	payload, err := event.Marshal(event.New(kind, data, workspaceID))
	if err != nil {
		return err
	}
	if err := bus.Publish(ctx, payload); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	logger.Info("event published",
		zap.String("type", string(kind)),
		zap.String("workspace_id", workspaceID),
		zap.String("channel", cfg.Redis.Channel),
	)
	return nil
}
