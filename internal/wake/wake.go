// Package wake is the MQTT intake from the voice satellites. The wake
// word and speech-to-text run out of process; what arrives here is the
// wake signal (used for barge-in) and the final transcript that starts
// a turn. The package also announces assistant availability and state
// so satellites can gate their LEDs on it.
package wake

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/penhale/valet/internal/config"
	"github.com/penhale/valet/internal/events"
	"github.com/penhale/valet/internal/orchestrator"
)

// Conductor is the slice of the orchestrator the intake drives.
type Conductor interface {
	Begin(ctx context.Context, origin, text string) (string, error)
	Interrupt()
}

// Intake bridges MQTT topics to the orchestrator.
type Intake struct {
	cfg       config.MQTTConfig
	conductor Conductor
	bus       *events.Bus
	logger    *slog.Logger
	cm        *autopaho.ConnectionManager
}

// New creates an intake. Call Start to connect.
func New(cfg config.MQTTConfig, conductor Conductor, bus *events.Bus, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		cfg:       cfg,
		conductor: conductor,
		bus:       bus,
		logger:    logger.With("component", "wake"),
	}
}

func (i *Intake) wakeTopic() string         { return "valet/" + i.cfg.DeviceName + "/wake" }
func (i *Intake) transcriptTopic() string   { return "valet/" + i.cfg.DeviceName + "/transcript" }
func (i *Intake) partialTopic() string      { return "valet/" + i.cfg.DeviceName + "/transcript_partial" }
func (i *Intake) availabilityTopic() string { return "valet/" + i.cfg.DeviceName + "/availability" }
func (i *Intake) stateTopic() string        { return "valet/" + i.cfg.DeviceName + "/state" }

// Start connects to the broker and blocks until ctx is cancelled. It
// keeps reconnecting in the background and re-subscribes on every
// connection.
func (i *Intake) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(i.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: i.cfg.Username,
		ConnectPassword: []byte(i.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   i.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			i.logger.Info("mqtt connected", "broker", i.cfg.Broker)
			i.subscribe(ctx, cm)
			i.publish(ctx, cm, i.availabilityTopic(), "online", true)
		},
		OnConnectError: func(err error) {
			i.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "valet-" + i.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					i.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	i.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		i.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	i.relayState(ctx)
	return nil
}

// Stop announces offline and disconnects.
func (i *Intake) Stop(ctx context.Context) error {
	if i.cm == nil {
		return nil
	}
	i.publish(ctx, i.cm, i.availabilityTopic(), "offline", true)
	return i.cm.Disconnect(ctx)
}

func (i *Intake) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: i.wakeTopic(), QoS: 1},
			{Topic: i.transcriptTopic(), QoS: 1},
			{Topic: i.partialTopic(), QoS: 0},
		},
	})
	if err != nil {
		i.logger.Error("mqtt subscribe failed", "error", err)
		return
	}
	i.logger.Info("subscribed", "wake", i.wakeTopic(), "transcript", i.transcriptTopic())
}

func (i *Intake) handleMessage(ctx context.Context, topic string, payload []byte) {
	switch topic {
	case i.wakeTopic():
		// Wake word during speech is a barge-in: cut the assistant off
		// so the satellite can capture what follows.
		i.logger.Info("wake signal received")
		i.conductor.Interrupt()

	case i.transcriptTopic():
		text, err := parseTranscript(payload)
		if err != nil {
			i.logger.Warn("unparseable transcript payload", "error", err, "bytes", len(payload))
			return
		}
		if _, err := i.conductor.Begin(ctx, orchestrator.OriginVoice, text); err != nil {
			i.logger.Warn("transcript dropped", "reason", err)
		}

	case i.partialTopic():
		// Interim guesses are display-only: relayed to viewers so text
		// appears while the user is still talking, never acted on.
		text, err := parseTranscript(payload)
		if err != nil {
			return
		}
		i.bus.Publish(events.Event{
			Timestamp: time.Now().UTC(),
			Source:    events.SourceWake,
			Kind:      events.KindTranscriptPartial,
			Data:      map[string]any{"text": text},
		})
	}
}

// parseTranscript accepts either a raw UTF-8 transcript or a JSON
// object with a text field.
func parseTranscript(payload []byte) (string, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return "", fmt.Errorf("empty payload")
	}

	if strings.HasPrefix(trimmed, "{") {
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
			return "", fmt.Errorf("parse transcript JSON: %w", err)
		}
		if strings.TrimSpace(msg.Text) == "" {
			return "", fmt.Errorf("transcript JSON has no text")
		}
		return strings.TrimSpace(msg.Text), nil
	}

	return trimmed, nil
}

// relayState republishes orchestrator state changes to the state topic
// until ctx is cancelled.
func (i *Intake) relayState(ctx context.Context) {
	sub := i.bus.Subscribe(16)
	defer i.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if e.Kind != events.KindStatus {
				continue
			}
			state, _ := e.Data["state"].(string)
			if state == "" {
				continue
			}
			i.publish(ctx, i.cm, i.stateTopic(), state, false)
		}
	}
}

func (i *Intake) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic, payload string, retain bool) {
	if cm == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     1,
		Retain:  retain,
	})
	if err != nil && ctx.Err() == nil {
		i.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}
