// Package notify fans clap alarms out to the configured notification
// channels: webhook, JSON lines log, Microsoft Graph email and Redis.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/oszuidwest/clapfinder/internal/config"
	"github.com/oszuidwest/clapfinder/internal/metrics"
	"github.com/oszuidwest/clapfinder/internal/types"
	"github.com/oszuidwest/clapfinder/internal/util"
)

// Channel names used in logs and metrics.
const (
	ChannelWebhook = "webhook"
	ChannelEmail   = "email"
	ChannelLog     = "log"
	ChannelRedis   = "redis"
)

const sendTimeout = 2 * time.Minute

// ClapNotifier manages notifications for alarms.
type ClapNotifier struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	wg      sync.WaitGroup

	// mu protects the fields below
	mu sync.Mutex

	// Channels notified for the current alarm
	eventID     string
	webhookSent bool
	emailSent   bool
	logSent     bool
	redisSent   bool

	// Cached clients, rebuilt after configuration changes
	graphClient *GraphClient
	redis       *RedisPublisher
}

// NewClapNotifier returns a ClapNotifier configured with the given config.
func NewClapNotifier(cfg *config.Config, m *metrics.Metrics) *ClapNotifier {
	return &ClapNotifier{cfg: cfg, metrics: m}
}

// InvalidateClients clears the cached Graph and Redis clients.
// Call this when notification configuration changes.
func (n *ClapNotifier) InvalidateClients() {
	n.mu.Lock()
	n.graphClient = nil
	r := n.redis
	n.redis = nil
	n.mu.Unlock()

	if r != nil {
		_ = r.Close()
	}
}

func (n *ClapNotifier) getOrCreateGraphClient(cfg *types.GraphConfig) (*GraphClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.graphClient != nil {
		return n.graphClient, nil
	}
	client, err := NewGraphClient(cfg)
	if err != nil {
		return nil, err
	}
	n.graphClient = client
	return client, nil
}

func (n *ClapNotifier) getOrCreateRedis(cfg types.RedisConfig) (*RedisPublisher, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.redis != nil {
		return n.redis, nil
	}
	p, err := NewRedisPublisher(cfg)
	if err != nil {
		return nil, err
	}
	n.redis = p
	return p, nil
}

// HandleAlarm notifies every configured channel of the clap that raised
// the alarm. Each channel is notified at most once per alarm.
func (n *ClapNotifier) HandleAlarm(ev types.ClapEvent) {
	cfg := n.cfg.Snapshot()
	device := cfg.DeviceName

	n.mu.Lock()
	if n.eventID == "" {
		n.eventID = ev.ID
	}
	n.mu.Unlock()

	n.trySend(&n.webhookSent, cfg.HasWebhook(), ChannelWebhook, func(ctx context.Context) error {
		return SendClapWebhook(ctx, cfg.WebhookURL, device, ev)
	})
	n.trySend(&n.emailSent, cfg.HasGraph(), ChannelEmail, func(ctx context.Context) error {
		client, err := n.getOrCreateGraphClient(&cfg.Graph)
		if err != nil {
			return util.WrapError("create Graph client", err)
		}
		subject, body := clapEmail(device, ev)
		return sendEmail(ctx, client, &cfg.Graph, subject, body)
	})
	n.trySend(&n.logSent, cfg.HasLogPath(), ChannelLog, func(context.Context) error {
		return LogClap(cfg.LogPath, ev)
	})
	n.trySend(&n.redisSent, cfg.HasRedis(), ChannelRedis, func(ctx context.Context) error {
		p, err := n.getOrCreateRedis(cfg.Redis)
		if err != nil {
			return err
		}
		return p.Publish(ctx, clapPayload(device, ev))
	})
}

// trySend sends a notification if the condition is met and not already sent.
func (n *ClapNotifier) trySend(sent *bool, condition bool, channel string, sender func(context.Context) error) {
	n.mu.Lock()
	shouldSend := !*sent && condition
	if shouldSend {
		*sent = true
	}
	eventID := n.eventID
	n.mu.Unlock()
	if shouldSend {
		n.send(channel, eventID, sender)
	}
}

func (n *ClapNotifier) send(channel, eventID string, sender func(context.Context) error) {
	n.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		util.LogNotifyResult(func() error {
			err := sender(ctx)
			n.metrics.RecordNotification(channel, err)
			return err
		}, channel, "event_id", eventID)
	})
}

// HandleAlarmStopped sends alarm_stopped to the channels that received the
// start of the alarm and resets the notification state.
func (n *ClapNotifier) HandleAlarmStopped(duration time.Duration) {
	cfg := n.cfg.Snapshot()
	device := cfg.DeviceName

	n.mu.Lock()
	webhook, email, logged, redisSent := n.webhookSent, n.emailSent, n.logSent, n.redisSent
	eventID := n.eventID
	n.resetLocked()
	n.mu.Unlock()

	if webhook {
		n.send(ChannelWebhook, eventID, func(ctx context.Context) error {
			return SendAlarmStoppedWebhook(ctx, cfg.WebhookURL, device, eventID, duration)
		})
	}
	if email {
		n.send(ChannelEmail, eventID, func(ctx context.Context) error {
			client, err := n.getOrCreateGraphClient(&cfg.Graph)
			if err != nil {
				return util.WrapError("create Graph client", err)
			}
			subject, body := stoppedEmail(device, eventID, duration)
			return sendEmail(ctx, client, &cfg.Graph, subject, body)
		})
	}
	if logged {
		n.send(ChannelLog, eventID, func(context.Context) error {
			return LogAlarmStopped(cfg.LogPath, eventID, duration)
		})
	}
	if redisSent {
		n.send(ChannelRedis, eventID, func(ctx context.Context) error {
			p, err := n.getOrCreateRedis(cfg.Redis)
			if err != nil {
				return err
			}
			return p.Publish(ctx, stoppedPayload(device, eventID, duration))
		})
	}
}

// Reset clears the notification state.
func (n *ClapNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetLocked()
}

func (n *ClapNotifier) resetLocked() {
	n.eventID = ""
	n.webhookSent = false
	n.emailSent = false
	n.logSent = false
	n.redisSent = false
}

// Wait blocks until all notifications in flight have completed.
func (n *ClapNotifier) Wait() {
	n.wg.Wait()
}

// Close waits for notifications in flight and releases cached clients.
func (n *ClapNotifier) Close() {
	n.Wait()
	n.InvalidateClients()
}
