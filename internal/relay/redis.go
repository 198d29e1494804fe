package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ridehail/pkg/interfaces"
	"ridehail/pkg/types"
)

// Config selects the Redis server and pub/sub channel shared by all nodes.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisRelay fans broadcasts out to peer nodes over one Redis pub/sub
// channel. Every envelope carries the publishing node id; a node drops its
// own envelopes on receipt.
type RedisRelay struct {
	client  *redis.Client
	channel string
	nodeID  string
	logger  *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

var _ interfaces.Relay = (*RedisRelay)(nil)

// NewRedisRelay connects to Redis and verifies the connection with PING.
func NewRedisRelay(ctx context.Context, cfg Config, logger *zap.Logger) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	nodeID := uuid.NewString()
	r := &RedisRelay{
		client:  client,
		channel: cfg.Channel,
		nodeID:  nodeID,
		logger:  logger.Named("relay").With(zap.String("node_id", nodeID)),
		closed:  make(chan struct{}),
	}

	r.logger.Info("Redis relay connected", zap.String("addr", cfg.Addr), zap.String("channel", cfg.Channel))
	return r, nil
}

// NodeID identifies this process among relay peers.
func (r *RedisRelay) NodeID() string {
	return r.nodeID
}

// Publish implements interfaces.Relay.
func (r *RedisRelay) Publish(ctx context.Context, group types.GroupKey, frame types.Frame) error {
	select {
	case <-r.closed:
		return ErrRelayClosed
	default:
	}

	payload, err := json.Marshal(types.Envelope{Origin: r.nodeID, Group: group, Frame: frame})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Subscribe implements interfaces.Relay. Envelopes published by this node
// are filtered out.
func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan types.Envelope, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)

	// Wait for the subscription confirmation so no publication is missed
	// after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}

	out := make(chan types.Envelope, 256)
	go r.listen(ctx, pubsub, out)
	return out, nil
}

func (r *RedisRelay) listen(ctx context.Context, pubsub *redis.PubSub, out chan<- types.Envelope) {
	defer close(out)
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			env, err := decodeEnvelope(msg.Payload)
			if err != nil {
				r.logger.Warn("dropping relay event", zap.Error(err))
				continue
			}
			if env.Origin == r.nodeID {
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			case <-r.closed:
				return
			}

		case <-ctx.Done():
			return
		case <-r.closed:
			return
		}
	}
}

// Close stops subscriptions and releases the Redis client.
func (r *RedisRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = r.client.Close()
	})
	return err
}

func decodeEnvelope(payload string) (types.Envelope, error) {
	var env types.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Origin == "" || env.Group == "" || env.Frame.Type == "" {
		return env, ErrMalformedEvent
	}
	return env, nil
}
