package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dashboardTopic = "dashboard"
	pingTimeout    = 5 * time.Second
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// SessionTopic is the notification topic of one session room.
func SessionTopic(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// DashboardTopic reaches dashboards that have not joined any room.
func DashboardTopic() string {
	return dashboardTopic
}

// EventChannel is the pub/sub channel carrying a topic across relay processes.
func EventChannel(topic string) string {
	return fmt.Sprintf("relay-events:%s", topic)
}
