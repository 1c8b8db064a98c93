package wake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultChannel = "compmut:wake"
	publishTimeout = time.Second
	pingMessage    = "ping"
)

type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Dial connects to Redis and verifies the connection with a PING.
func Dial(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// Redis carries pings between processes over a pub/sub channel. Producers
// publish; the worker process calls Start and then waits like on Local.
type Redis struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
	local   *Local

	mu  sync.Mutex
	sub *redis.PubSub
}

func NewRedis(client *redis.Client, channel string, log *zap.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel, log: log, local: NewLocal()}
}

// Ping publishes with a short timeout. A failed publish is only logged: the
// worker still finds the record on its next timed poll.
func (r *Redis) Ping(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, pingMessage).Err(); err != nil {
		r.log.Warn("wake publish failed", zap.String("channel", r.channel), zap.Error(err))
	}
}

// Start subscribes and returns once Redis confirmed the subscription, so no
// ping published afterwards is missed.
func (r *Redis) Start(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	go func() {
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				r.local.Ping(ctx)
			}
		}
	}()
	return nil
}

func (r *Redis) WaitForPing(ctx context.Context, timeout time.Duration) bool {
	return r.local.WaitForPing(ctx, timeout)
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return nil
	}
	err := r.sub.Close()
	r.sub = nil
	return err
}
