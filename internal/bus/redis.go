package bus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus adapts Redis pub/sub to the Bus interface for environments that
// run the compose stack without an MQTT broker. Topic filters are translated
// to Redis glob patterns for the server-side subscription and re-checked with
// MatchTopic on delivery, because Redis globs do not respect topic levels.
type RedisBus struct {
	rdb    *redis.Client
	logger *log.Logger

	mu     sync.Mutex
	cancel []context.CancelFunc
}

// NewRedisBus connects and pings the Redis server.
func NewRedisBus(addr, password string, db int) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  0, // blocking subscribe reads
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return &RedisBus{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[BUS] ", log.LstdFlags),
	}, nil
}

func (b *RedisBus) Publish(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *RedisBus) Subscribe(filter string, h Handler) error {
	pattern := strings.NewReplacer("+", "*", "#", "*").Replace(filter)

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()

	sub := b.rdb.PSubscribe(ctx, pattern)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				if !MatchTopic(filter, m.Channel) {
					continue
				}
				h(Message{Topic: m.Channel, Payload: []byte(m.Payload)})
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancel {
		cancel()
	}
	b.cancel = nil
	b.mu.Unlock()
	return b.rdb.Close()
}
