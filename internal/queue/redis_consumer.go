/**
 * Redis Stream Consumer for the Grading Worker
 *
 * The grading model's feedback arrives as chunk events on Redis pub/sub
 * channels, one channel per session (grading:stream:<session>). Every applied
 * chunk produces a render snapshot that is published on grading:render:<session>
 * and cached under grading:snapshot:<session> for late subscribers.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/grading-worker/internal/grading"
	"github.com/adverant/nexus/grading-worker/internal/logging"
)

const (
	streamChannelPrefix = "grading:stream:"
	renderChannelPrefix = "grading:render:"
	snapshotKeyPrefix   = "grading:snapshot:"
)

// ChunkHandler applies stream events. grading.Service implements it.
type ChunkHandler interface {
	HandleChunk(ctx context.Context, ev grading.ChunkEvent) error
	Sweep(now time.Time) int
}

// StreamConsumerConfig holds consumer configuration
type StreamConsumerConfig struct {
	Client         *redis.Client
	Handler        ChunkHandler
	SweepInterval  time.Duration
	HandlerTimeout time.Duration
}

// StreamConsumer subscribes to grading stream channels
type StreamConsumer struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	handler ChunkHandler
	config  *StreamConsumerConfig
	logger  *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRedisClient parses a Redis URL and checks the connection
func NewRedisClient(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewStreamConsumer creates a consumer. The Redis client is shared and not
// closed by Stop.
func NewStreamConsumer(cfg *StreamConsumerConfig) (*StreamConsumer, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("Client is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &StreamConsumer{
		client:  cfg.Client,
		handler: cfg.Handler,
		config:  cfg,
		logger:  logging.NewLogger("StreamConsumer"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start subscribes and launches the receive and sweep loops
func (c *StreamConsumer) Start() error {
	pattern := streamChannelPrefix + "*"
	c.pubsub = c.client.PSubscribe(c.ctx, pattern)

	// Wait for the subscription to be confirmed before reporting success.
	if _, err := c.pubsub.Receive(c.ctx); err != nil {
		c.pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	c.wg.Add(2)
	go c.receive(c.pubsub.Channel())
	go c.sweeper()

	c.logger.Info("Stream consumer started", "pattern", pattern)
	return nil
}

// Stop unsubscribes and waits for both loops to exit
func (c *StreamConsumer) Stop() error {
	c.logger.Info("Stopping stream consumer...")
	c.cancel()

	var err error
	if c.pubsub != nil {
		err = c.pubsub.Close()
	}
	c.wg.Wait()
	return err
}

// receive handles messages one at a time, which keeps every session's events
// in publish order.
func (c *StreamConsumer) receive(ch <-chan *redis.Message) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := c.handleMessage(c.ctx, msg); err != nil {
				c.logger.Error("Failed to handle stream chunk", "channel", msg.Channel, "error", err)
			}
		}
	}
}

func (c *StreamConsumer) sweeper() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			if n := c.handler.Sweep(now); n > 0 {
				c.logger.Info("Swept idle grading streams", "count", n)
			}
		}
	}
}

func (c *StreamConsumer) handleMessage(ctx context.Context, msg *redis.Message) error {
	sessionID, ok := sessionFromChannel(msg.Channel)
	if !ok {
		return fmt.Errorf("unexpected channel %q", msg.Channel)
	}

	var ev grading.ChunkEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		return fmt.Errorf("failed to unmarshal chunk event: %w", err)
	}

	if ev.SessionID != "" && ev.SessionID != sessionID {
		c.logger.Warn("Chunk session does not match channel", "channel", msg.Channel, "session", ev.SessionID)
	}
	ev.SessionID = sessionID

	hctx, cancel := context.WithTimeout(ctx, c.config.HandlerTimeout)
	defer cancel()
	return c.handler.HandleChunk(hctx, ev)
}

func sessionFromChannel(channel string) (string, bool) {
	id := strings.TrimPrefix(channel, streamChannelPrefix)
	if id == channel || id == "" {
		return "", false
	}
	return id, true
}

// RedisPublisher publishes render snapshots
type RedisPublisher struct {
	client      redis.Cmdable
	snapshotTTL time.Duration
}

// NewRedisPublisher creates a publisher. Cached snapshots expire after ttl.
func NewRedisPublisher(client redis.Cmdable, ttl time.Duration) *RedisPublisher {
	return &RedisPublisher{client: client, snapshotTTL: ttl}
}

// PublishSnapshot implements grading.Publisher
func (p *RedisPublisher) PublishSnapshot(ctx context.Context, snap *grading.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, renderChannelPrefix+snap.SessionID, data)
		pipe.Set(ctx, snapshotKeyPrefix+snap.SessionID, data, p.snapshotTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish snapshot (session=%s, seq=%d): %w", snap.SessionID, snap.Seq, err)
	}
	return nil
}
