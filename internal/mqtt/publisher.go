package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/companion/internal/config"
	"github.com/nugget/companion/internal/events"
)

// Deps holds the bridge's collaborators.
type Deps struct {
	Bus    *events.Bus
	Inbox  Inbox // optional; nil disables inbound messages
	Logger *slog.Logger
}

// Bridge manages the MQTT connection and mirrors bus events to it.
type Bridge struct {
	cfg      config.MQTTConfig
	clientID string
	topics   Topics
	deps     Deps
	logger   *slog.Logger
	limiter  *messageRateLimiter

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin.
func New(cfg config.MQTTConfig, clientID string, deps Deps) *Bridge {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "mqtt")
	return &Bridge{
		cfg:      cfg,
		clientID: clientID,
		topics:   Topics{Prefix: cfg.TopicPrefix},
		deps:     deps,
		logger:   logger,
		limiter:  newMessageRateLimiter(inboxRateLimit, time.Minute, logger),
	}
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled. On every (re-)connect it publishes a birth message and
// re-subscribes to the inbox.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if b.deps.Bus == nil {
		return fmt.Errorf("mqtt bridge requires an event bus")
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.topics.Availability(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.publishAvailability(ctx, cm, "online")
			b.subscribeInbox(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleInbound(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Subscribe before connecting so state changes during the initial
	// handshake are not lost.
	ch := b.deps.Bus.Subscribe(256)
	defer b.deps.Bus.Unsubscribe(ch)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	go b.limiter.start(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			for _, out := range b.topics.Translate(e) {
				b.publish(ctx, cm, out)
			}
		}
	}
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	cm := b.cm
	b.mu.Unlock()
	if cm == nil {
		return nil
	}
	b.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It serves as the bridge's health check.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	b.mu.Lock()
	cm := b.cm
	b.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return cm.AwaitConnection(ctx)
}

func (b *Bridge) publish(ctx context.Context, cm *autopaho.ConnectionManager, out Outbound) {
	var qos byte
	if out.Retain {
		qos = 1
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   out.Topic,
		Payload: out.Payload,
		QoS:     qos,
		Retain:  out.Retain,
	}); err != nil {
		b.logger.Debug("mqtt publish failed", "topic", out.Topic, "error", err)
		return
	}
	b.logger.Debug("mqtt published", "topic", out.Topic, "bytes", len(out.Payload))
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.topics.Availability(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}

func (b *Bridge) subscribeInbox(ctx context.Context, cm *autopaho.ConnectionManager) {
	if b.deps.Inbox == nil {
		return
	}
	filter := b.topics.InboxFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		b.logger.Warn("mqtt inbox subscribe failed", "filter", filter, "error", err)
		return
	}
	b.logger.Info("mqtt inbox subscribed", "filter", filter)
}
