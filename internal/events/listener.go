package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/narvanalabs/buildfarm/internal/store"
)

// Listener replays missed build notifications on startup, then blocks on the
// shared pub/sub channels and dispatches typed events to plugins.
type Listener struct {
	store    store.Store
	registry *Registry
	logger   *slog.Logger

	dsn          string
	minReconnect time.Duration
	maxReconnect time.Duration
}

// ListenerConfig holds listener configuration.
type ListenerConfig struct {
	// DSN is the PostgreSQL connection string used for LISTEN.
	DSN string
	// MinReconnect and MaxReconnect bound the reconnect backoff.
	MinReconnect time.Duration
	MaxReconnect time.Duration
}

// NewListener creates an event bus listener.
func NewListener(cfg *ListenerConfig, s store.Store, registry *Registry, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		store:        s,
		registry:     registry,
		logger:       logger,
		dsn:          cfg.DSN,
		minReconnect: cfg.MinReconnect,
		maxReconnect: cfg.MaxReconnect,
	}
}

// DrainBacklog dispatches a build_finished event for every build whose
// notification is still marked pending, clearing each marker after its
// dispatch. This gives at-least-once delivery across restarts: the pub/sub
// channel only reaches subscribers connected at emit time.
func (l *Listener) DrainBacklog(ctx context.Context) error {
	builds, err := l.store.Builds().PendingNotifications(ctx)
	if err != nil {
		return fmt.Errorf("loading notification backlog: %w", err)
	}

	for _, build := range builds {
		l.logger.Info("replaying missed build notification",
			"build_id", build.ID,
		)
		l.registry.Dispatch(ctx, BuildFinished{BuildID: build.ID})

		if err := l.store.Builds().ClearNotificationPending(ctx, build.ID); err != nil {
			return fmt.Errorf("clearing notification marker for build %d: %w", build.ID, err)
		}
	}

	if len(builds) > 0 {
		l.logger.Info("notification backlog drained", "builds", len(builds))
	}
	return nil
}

// Run drains the backlog and then blocks on live channel messages until the
// context is cancelled. Plugin handlers run one at a time per message.
func (l *Listener) Run(ctx context.Context) error {
	pql := pq.NewListener(l.dsn, l.minReconnect, l.maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Error("pub/sub connection event", "event", ev, "error", err)
		}
	})
	defer pql.Close()

	for _, channel := range Channels {
		if err := pql.Listen(channel); err != nil {
			return fmt.Errorf("subscribing to channel %s: %w", channel, err)
		}
	}

	// Subscriptions are live; anything that finished while we were down is
	// only reachable through the persisted markers.
	if err := l.DrainBacklog(ctx); err != nil {
		return err
	}

	l.logger.Info("listening for events", "channels", len(Channels))

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("listener stopping")
			return nil

		case notification := <-pql.Notify:
			if notification == nil {
				// Connection was re-established; notifications may have
				// been missed while it was down.
				if err := l.DrainBacklog(ctx); err != nil {
					l.logger.Error("failed to drain backlog after reconnect", "error", err)
				}
				continue
			}
			l.handle(ctx, notification.Channel, notification.Extra)
		}
	}
}

func (l *Listener) handle(ctx context.Context, channel, payload string) {
	ev, err := Decode(channel, payload)
	if err != nil {
		l.logger.Error("discarding undecodable message",
			"channel", channel,
			"payload", payload,
			"error", err,
		)
		return
	}

	l.logger.Debug("dispatching event", "channel", channel)
	l.registry.Dispatch(ctx, ev)

	// A delivered build_finished clears the build's pending marker so it is
	// not replayed on the next startup.
	if finished, ok := ev.(BuildFinished); ok {
		if err := l.store.Builds().ClearNotificationPending(ctx, finished.BuildID); err != nil {
			l.logger.Error("failed to clear notification marker",
				"build_id", finished.BuildID,
				"error", err,
			)
		}
	}
}
