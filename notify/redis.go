package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"argus/core"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxPayloadSize caps one published alert.
const maxPayloadSize = 1024 * 1024

// RedisOptions configures a RedisPublisher.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Channel receives every alert with PUBLISH when set.
	Channel string
	// List keeps the newest MaxList alerts when set.
	List    string
	MaxList int64
}

// AlertRecord is the JSON form of an alert.
type AlertRecord struct {
	EventID     string            `json:"event_id"`
	RuleID      uint32            `json:"rule_id"`
	Priority    uint32            `json:"priority"`
	Description string            `json:"description"`
	Log         string            `json:"log"`
	Fields      map[string]string `json:"fields"`
	Traits      map[string]string `json:"traits"`
	Groups      []string          `json:"groups"`
	Received    time.Time         `json:"received"`
}

// NewAlertRecord converts ev.
func NewAlertRecord(ev *core.Event) AlertRecord {
	return AlertRecord{
		EventID:     ev.EventID,
		RuleID:      ev.RuleID,
		Priority:    ev.Priority,
		Description: ev.Description,
		Log:         ev.LogStr,
		Fields:      ev.Fields,
		Traits:      ev.Traits,
		Groups:      ev.SortedGroups(),
		Received:    ev.Received,
	}
}

// RedisPublisher forwards alerts to redis for downstream consumers.
type RedisPublisher struct {
	client *redis.Client
	opts   RedisOptions
	logger *zap.SugaredLogger
}

// NewRedisPublisher creates the client; it does not connect.
func NewRedisPublisher(opts RedisOptions, logger *zap.SugaredLogger) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisPublisher{client: client, opts: opts, logger: logger}
}

// Ping tests the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Name implements AlertSink.
func (p *RedisPublisher) Name() string { return "redis" }

// Record implements AlertSink.
func (p *RedisPublisher) Record(ctx context.Context, ev *core.Event) error {
	data, err := json.Marshal(NewAlertRecord(ev))
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if len(data) > maxPayloadSize {
		p.logger.Warnw("Alert exceeds redis payload limit, skipping", "event_id", ev.EventID, "size", len(data))
		return nil
	}

	pipe := p.client.TxPipeline()
	if p.opts.Channel != "" {
		pipe.Publish(ctx, p.opts.Channel, data)
	}
	if p.opts.List != "" {
		pipe.LPush(ctx, p.opts.List, data)
		if p.opts.MaxList > 0 {
			pipe.LTrim(ctx, p.opts.List, 0, p.opts.MaxList-1)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
