package alert

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// NewPubSubClient connects to Pub/Sub. An empty credentials JSON uses
// application default credentials.
func NewPubSubClient(ctx context.Context, projectID, credentialsJSON string, opts ...option.ClientOption) (*pubsub.Client, error) {
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	return client, nil
}

// PubSubNotifier publishes alerts as JSON messages to a topic.
type PubSubNotifier struct {
	topic *pubsub.Topic
}

// NewPubSubNotifier uses the named topic, creating it if it does not exist.
func NewPubSubNotifier(ctx context.Context, client *pubsub.Client, topicID string) (*PubSubNotifier, error) {
	t := client.Topic(topicID)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking topic %s: %w", topicID, err)
	}
	if !exists {
		if t, err = client.CreateTopic(ctx, topicID); err != nil {
			return nil, fmt.Errorf("creating topic %s: %w", topicID, err)
		}
	}
	return &PubSubNotifier{topic: t}, nil
}

func (n *PubSubNotifier) Name() string { return "pubsub" }

func (n *PubSubNotifier) Notify(ctx context.Context, a Alert) error {
	data, err := a.Marshal()
	if err != nil {
		return err
	}
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"date":   a.Date.String(),
			"run_id": a.RunID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publishing alert for %s: %w", a.Date, err)
	}
	return nil
}

// Stop flushes pending messages.
func (n *PubSubNotifier) Stop() {
	n.topic.Stop()
}
