package gateway

import (
	"context"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	redisstore "tradesignals/internal/store/redis"
)

// Router subscribes to the scanner's Redis Pub/Sub channels and hands
// every message to the hub.
type Router struct {
	rdb *goredis.Client
	hub *Hub
	log *zap.Logger
}

// NewRouter creates a Router for hub.
func NewRouter(rdb *goredis.Client, hub *Hub, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{rdb: rdb, hub: hub, log: log.Named("gateway-router")}
}

// kindFor maps a Pub/Sub channel to a message kind.
func kindFor(channel string) (string, bool) {
	switch channel {
	case redisstore.PubSignals:
		return KindSignal, true
	case redisstore.PubPositions:
		return KindPosition, true
	}
	return "", false
}

// Run routes messages until ctx is cancelled. go-redis resubscribes on its
// own after a dropped connection.
func (r *Router) Run(ctx context.Context) {
	ps := r.rdb.Subscribe(ctx, redisstore.PubSignals, redisstore.PubPositions)
	defer ps.Close()
	r.log.Info("subscribed", zap.Strings("channels", []string{redisstore.PubSignals, redisstore.PubPositions}))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.route(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (r *Router) route(channel string, payload []byte) {
	kind, ok := kindFor(channel)
	if !ok {
		r.log.Debug("ignoring channel", zap.String("channel", channel))
		return
	}
	r.hub.Publish(kind, payload)
}
