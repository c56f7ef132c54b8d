// Package app wires configuration into the clients shared by the commands.
package app

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"meter_billing/internal/alert"
	"meter_billing/internal/config"
	"meter_billing/internal/model"
	"meter_billing/internal/store"
	"meter_billing/internal/summary"
)

// Closer releases a client opened here.
type Closer func()

// OpenRunStore returns the GCS store when a bucket is configured, the local
// directory store otherwise.
func OpenRunStore(ctx context.Context, cfg *config.Config) (store.RunStore, Closer, error) {
	if cfg.Output.Bucket == "" {
		return store.NewDirStore(cfg.Output.Dir), func() {}, nil
	}
	client, err := store.NewGCSClient(ctx, cfg.Output.CredentialsJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("creating storage client: %w", err)
	}
	return store.NewGCSStore(client, cfg.Output.Bucket, cfg.Output.Prefix), func() { client.Close() }, nil
}

// OpenRedis connects when an address is configured; it returns nil otherwise.
func OpenRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", cfg.Redis.Addr, err)
	}
	return rdb, nil
}

// Notifiers returns the log notifier plus every configured transport. A
// transport that fails to start is logged and left out.
func Notifiers(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) ([]alert.Notifier, Closer) {
	notifiers := []alert.Notifier{alert.LogNotifier{Log: log}}
	var closers []func()

	if cfg.Alert.ProjectID != "" && cfg.Alert.Topic != "" {
		client, err := alert.NewPubSubClient(ctx, cfg.Alert.ProjectID, cfg.Output.CredentialsJSON)
		if err == nil {
			var n *alert.PubSubNotifier
			if n, err = alert.NewPubSubNotifier(ctx, client, cfg.Alert.Topic); err == nil {
				notifiers = append(notifiers, n)
				closers = append(closers, n.Stop)
			}
			closers = append(closers, func() { client.Close() })
		}
		if err != nil {
			log.WithError(err).Warn("pubsub alerts disabled")
		}
	}

	if len(cfg.Alert.KafkaBrokers) > 0 {
		n := alert.NewKafkaNotifier(cfg.Alert.KafkaBrokers, cfg.Alert.KafkaTopic)
		notifiers = append(notifiers, n)
		closers = append(closers, func() { n.Close() })
	}

	return notifiers, func() {
		for _, c := range closers {
			c()
		}
	}
}

// LoadLatest reads the newest persisted run.
func LoadLatest(ctx context.Context, runs store.RunStore) (key string, summaries []model.DailySummary, skips []model.RowSkipped, err error) {
	key, data, err := runs.Latest(ctx)
	if err != nil {
		return "", nil, nil, err
	}
	summaries, skips, err = summary.ReadCSV(bytes.NewReader(data))
	if err != nil {
		return key, nil, nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return key, summaries, skips, nil
}

// RunIDFromKey extracts the run ID from an object key or file path.
func RunIDFromKey(key string) string {
	i := strings.LastIndex(key, store.RunFilePrefix)
	if i < 0 {
		return key
	}
	return strings.TrimSuffix(key[i+len(store.RunFilePrefix):], store.RunFileSuffix)
}
