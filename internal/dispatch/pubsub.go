package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"channelsync/internal/config"
	"channelsync/internal/logging"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// NewPubSubClient connects to Pub/Sub with the configured credentials.
func NewPubSubClient(ctx context.Context, cfg config.PubSubConfig, opts ...option.ClientOption) (*pubsub.Client, error) {
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return client, nil
}

// PubSubQueue publishes to a topic and receives from a subscription. A queue
// without subscription only publishes.
type PubSubQueue struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	inbox  chan Message
	logger *zerolog.Logger

	once sync.Once
	done chan struct{}
	err  error
}

func NewPubSubQueue(client *pubsub.Client, topicID, subscriptionID string, logger *zerolog.Logger) *PubSubQueue {
	q := &PubSubQueue{
		topic:  client.Topic(topicID),
		inbox:  make(chan Message),
		logger: logging.Component(logger, "pubsub"),
		done:   make(chan struct{}),
	}
	if subscriptionID != "" {
		q.sub = client.Subscription(subscriptionID)
	}
	return q
}

func (q *PubSubQueue) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode dispatch message: %w", err)
	}
	res := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"task_name": msg.TaskName},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish dispatch message: %w", err)
	}
	return nil
}

// Start receives in the background until ctx is done. Messages are acked once
// a caller of Receive has taken them.
func (q *PubSubQueue) Start(ctx context.Context) {
	if q.sub == nil {
		return
	}
	q.once.Do(func() {
		go func() {
			defer close(q.done)
			q.err = q.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
				var msg Message
				if err := json.Unmarshal(m.Data, &msg); err != nil {
					q.logger.Warn().Err(err).Str("message_id", m.ID).Msg("dropping undecodable message")
					m.Ack()
					return
				}
				select {
				case q.inbox <- msg:
					m.Ack()
				case <-ctx.Done():
					m.Nack()
				}
			})
			if q.err != nil {
				q.logger.Error().Err(q.err).Msg("pubsub receive stopped")
			}
		}()
	})
}

func (q *PubSubQueue) Receive(ctx context.Context, wait time.Duration) (Message, bool, error) {
	if q.sub == nil {
		return Message{}, false, nil
	}
	select {
	case msg := <-q.inbox:
		return msg, true, nil
	default:
	}
	if wait <= 0 {
		return Message{}, false, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case msg := <-q.inbox:
		return msg, true, nil
	case <-timer.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

// Stop flushes pending publishes.
func (q *PubSubQueue) Stop() {
	q.topic.Stop()
}
