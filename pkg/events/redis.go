package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// RedisPublisher publishes events as JSON on <prefix><session_id>.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher creates a RedisPublisher.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

var _ Publisher = (*RedisPublisher)(nil)

// Channel returns the pub/sub channel for a session.
func (p *RedisPublisher) Channel(sessionID uuid.UUID) string {
	return p.prefix + sessionID.String()
}

func (p *RedisPublisher) Publish(ctx context.Context, event models.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(event.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}
	return nil
}
