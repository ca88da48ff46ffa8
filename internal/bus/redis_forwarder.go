package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/platform/logger"
)

// RedisForwarder mirrors events published on a local Hub onto a Redis
// pub/sub channel so other engine processes' hubs observe them too.
// Grounded on internal/realtime/bus/redis_bus.go's Publish/StartForwarder
// shape.
type RedisForwarder struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewRedisForwarder(log *logger.Logger, addr, channel string) (*RedisForwarder, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("bus: missing redis addr")
	}
	if channel == "" {
		channel = "panelforge:events"
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("bus: redis ping: %w", err)
	}

	return &RedisForwarder{log: log.With("component", "bus.RedisForwarder"), rdb: rdb, channel: channel}, nil
}

// Publish mirrors a locally-published event onto Redis. Installed as a
// Hub's forwarder via Hub.SetForwarder.
func (f *RedisForwarder) Publish(evt domain.Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		f.log.Warn("bus: failed to marshal event for forwarding", "error", err)
		return
	}
	if err := f.rdb.Publish(context.Background(), f.channel, raw).Err(); err != nil {
		f.log.Warn("bus: failed to publish to redis", "error", err)
	}
}

// StartForwarder subscribes to the Redis channel and ingests every event
// it carries into the local hub, so that this process's subscribers see
// events published from any other process.
func (f *RedisForwarder) StartForwarder(ctx context.Context, hub *Hub) error {
	sub := f.rdb.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("bus: redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var evt domain.Event
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					f.log.Warn("bus: bad redis event payload", "error", err)
					continue
				}
				hub.Ingest(evt)
			}
		}
	}()
	return nil
}

func (f *RedisForwarder) Close() error {
	if f == nil || f.rdb == nil {
		return nil
	}
	return f.rdb.Close()
}
