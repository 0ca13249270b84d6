package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

const (
	relayTrigger   = "trigger"
	relayTerminate = "terminate"
)

// relayMessage carries a control-surface action to the other nodes.
type relayMessage struct {
	Type   string        `json:"type"`
	Node   string        `json:"node"`
	AppID  string        `json:"app_id"`
	Event  *triggerEvent `json:"event,omitempty"`
	UserID string        `json:"user_id,omitempty"`
}

// relay shares triggers and terminations between hub nodes.
type relay interface {
	publish(ctx context.Context, m relayMessage) error
	listen(ctx context.Context, deliver func(relayMessage)) error
	close() error
}

type redisRelay struct {
	client  *redis.Client
	channel string
}

func newRedisRelay(cfg scalingConfig) *redisRelay {
	return &redisRelay{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: cfg.Channel,
	}
}

func (r *redisRelay) publish(ctx context.Context, m relayMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return oops.Wrapf(err, "encoding relay message")
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return oops.With("channel", r.channel).Wrapf(err, "publishing relay message")
	}
	return nil
}

// listen subscribes to the relay channel and delivers every message until
// ctx is done. Lost subscriptions are re-established with capped backoff.
func (r *redisRelay) listen(ctx context.Context, deliver func(relayMessage)) error {
	backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := r.subscribe(ctx, deliver); err != nil {
			slog.Warn("relay subscription lost", "channel", r.channel, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return oops.With("channel", r.channel).Wrapf(err, "relay listen")
	}
	return nil
}

func (r *redisRelay) subscribe(ctx context.Context, deliver func(relayMessage)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return oops.Wrapf(err, "subscribing")
	}
	slog.Info("relay subscribed", "channel", r.channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return oops.Errorf("relay channel closed")
			}
			var m relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				slog.Warn("dropping malformed relay message", "error", err)
				continue
			}
			deliver(m)
		}
	}
}

func (r *redisRelay) close() error {
	return r.client.Close()
}

// applyRelayed replays a message published by another node on this one.
func (h *hub) applyRelayed(m relayMessage) {
	if m.Node == h.node {
		return
	}
	app, err := h.apps.findByID(m.AppID)
	if err != nil {
		slog.Warn("relay message for unknown app", "app_id", m.AppID)
		return
	}
	switch m.Type {
	case relayTrigger:
		if m.Event == nil {
			return
		}
		e := *m.Event
		h.post(func() { h.trigger(app, e) })
	case relayTerminate:
		userID := m.UserID
		h.post(func() { h.terminateUser(app, userID) })
	default:
		slog.Warn("unknown relay message", "type", m.Type)
	}
}

// relayAction forwards an action to the other nodes when a relay is
// configured. Failures are logged: the local node has already applied it.
func (h *hub) relayAction(ctx context.Context, m relayMessage) {
	if h.relay == nil {
		return
	}
	m.Node = h.node
	if err := h.relay.publish(ctx, m); err != nil {
		logError("relay publish failed", err)
	}
}
