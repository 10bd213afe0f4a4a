package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/supportdesk/internal/config"
	"github.com/nugget/supportdesk/internal/events"
)

const (
	// subscriberBuffer is how many events may queue before the bus
	// starts dropping them for this subscriber.
	subscriberBuffer = 256

	// Broker publish budget: a steady rate plus a burst for a request
	// that fans out into several tool events.
	eventsPerSecond = 50
	eventBurst      = 100
	reportEvery     = time.Minute
)

// publisher is the subset of the connection manager the forwarder uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Forwarder relays bus events to an MQTT broker.
type Forwarder struct {
	cfg     config.MQTTConfig
	bus     *events.Bus
	gate    *publishGate
	counts  *DailyCounts
	logger  *slog.Logger

	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Forwarder but does not connect. Call [Forwarder.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Forwarder {
	logger = logger.With("component", "mqtt")
	return &Forwarder{
		cfg:     cfg,
		bus:     bus,
		gate:    newPublishGate(eventsPerSecond, eventBurst, reportEvery, logger),
		counts:  NewDailyCounts(nil),
		logger:  logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   f.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker)
			f.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: f.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.cm = cm
	f.pub = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		f.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	sub := f.bus.Subscribe(subscriberBuffer)
	defer f.bus.Unsubscribe(sub)

	go f.gate.report(ctx, f.bus.Dropped)
	f.run(ctx, sub)
	return nil
}

// Stop publishes "offline" and disconnects.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	f.publishAvailability(ctx, f.cm, "offline")
	return f.cm.Disconnect(ctx)
}

func (f *Forwarder) run(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev events.Event) {
	f.counts.Record(ev.Kind)

	if f.gate.allow() {
		payload, err := json.Marshal(ev)
		if err != nil {
			f.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
			return
		}
		if _, err := f.pub.Publish(ctx, &paho.Publish{
			Topic:   f.eventTopic(ev),
			Payload: payload,
			QoS:     0,
		}); err != nil {
			f.logger.Debug("mqtt event publish failed", "kind", ev.Kind, "error", err)
		}
	}

	if ev.Kind == events.KindRequestComplete || ev.Kind == events.KindRequestFailed {
		f.publishCounts(ctx)
	}
}

func (f *Forwarder) publishCounts(ctx context.Context) {
	payload, err := json.Marshal(f.counts.Snapshot())
	if err != nil {
		f.logger.Error("mqtt marshal counts", "error", err)
		return
	}
	if _, err := f.pub.Publish(ctx, &paho.Publish{
		Topic:   f.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		f.logger.Debug("mqtt stats publish failed", "error", err)
	}
}

func (f *Forwarder) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		f.logger.Info("mqtt availability published", "status", status)
	}
}

func (f *Forwarder) availabilityTopic() string {
	return f.cfg.TopicPrefix + "/availability"
}

func (f *Forwarder) eventTopic(ev events.Event) string {
	return f.cfg.TopicPrefix + "/events/" + ev.Source + "/" + ev.Kind
}

func (f *Forwarder) statsTopic() string {
	return f.cfg.TopicPrefix + "/stats/today"
}
