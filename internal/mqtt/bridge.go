// Package mqtt mirrors channel state and controller events to an MQTT broker
// and accepts channel commands from it.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/arnisz/UniversalPressureController/internal/channel"
	"github.com/arnisz/UniversalPressureController/internal/events"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	commandTimeout    = 30 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	maxReconnect      = 30 * time.Second
)

// Config holds broker settings.
type Config struct {
	Broker      string // tcp://host:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Controller is the part of the channel controller reachable over MQTT.
type Controller interface {
	Channels() []channel.Snapshot
	OnChange(fn func(channel.Snapshot))
	Start(ctx context.Context, id int) error
	Stop(ctx context.Context, id int) error
	Vent(ctx context.Context, id int) error
	SetSetpoint(ctx context.Context, id int, value float64) (float64, error)
}

// publishFunc sends one message. It is swapped out in tests.
type publishFunc func(topic string, qos byte, retained bool, payload []byte) error

// Bridge connects the controller to a broker.
type Bridge struct {
	cfg    Config
	topics Topics
	ctrl   Controller
	client pahomqtt.Client
	pub    publishFunc

	states chan channel.Snapshot

	connMu    sync.RWMutex
	connected bool
}

func newBridge(cfg Config, ctrl Controller) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "pressurectl"
	}
	b := &Bridge{
		cfg:    cfg,
		topics: Topics{Prefix: cfg.TopicPrefix},
		ctrl:   ctrl,
		states: make(chan channel.Snapshot, 64),
	}
	// Observers must not block; Run drains the queue.
	ctrl.OnChange(func(s channel.Snapshot) {
		select {
		case b.states <- s:
		default:
		}
	})
	return b
}

// Connect dials the broker, subscribes to commands and publishes the online status.
func Connect(cfg Config, ctrl Controller) (*Bridge, error) {
	b := newBridge(cfg, ctrl)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnect)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(b.topics.SystemStatus(), statusPayload("offline", cfg.ClientID, "unexpected_disconnect"), 1, true)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		b.setConnected(true)
		// clean session: the subscription is gone after every reconnect
		c.Subscribe(b.topics.AllCommands(), cfg.QoS, b.onMessage)
		c.Publish(b.topics.SystemStatus(), cfg.QoS, true, statusPayload("online", cfg.ClientID, ""))
		log.Printf("[mqtt] connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		b.setConnected(false)
		log.Printf("[mqtt] connection lost: %v", err)
	})

	b.client = pahomqtt.NewClient(opts)
	b.pub = b.publishPaho

	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	b.setConnected(true)
	return b, nil
}

func (b *Bridge) setConnected(v bool) {
	b.connMu.Lock()
	b.connected = v
	b.connMu.Unlock()
}

// IsConnected reports the last known broker connection state.
func (b *Bridge) IsConnected() bool {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.connected && b.client != nil && b.client.IsConnected()
}

func (b *Bridge) publishPaho(topic string, qos byte, retained bool, payload []byte) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	token := b.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Run publishes channel changes and events until ctx is done, then closes the bridge.
func (b *Bridge) Run(ctx context.Context, hub *events.Hub) {
	evCh, cancel := hub.Subscribe(256)
	defer cancel()
	defer b.Close()

	for _, s := range b.ctrl.Channels() {
		b.publishState(s)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-b.states:
			b.publishState(s)
		case e, ok := <-evCh:
			if !ok {
				return
			}
			b.publishEvent(e)
		}
	}
}

func (b *Bridge) publishState(s channel.Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := b.pub(b.topics.ChannelState(s.ID), b.cfg.QoS, true, data); err != nil {
		log.Printf("[mqtt] publish state %d: %v", s.ID, err)
	}
}

func (b *Bridge) publishEvent(e events.Event) {
	// Bus traffic stays local.
	if e.Source == events.SourceBus && e.Kind != events.KindError {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := b.pub(b.topics.Event(), b.cfg.QoS, false, data); err != nil {
		log.Printf("[mqtt] publish event: %v", err)
	}
}

func (b *Bridge) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[mqtt] handler panic on %s: %v", msg.Topic(), r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.HandleCommand(ctx, msg.Topic(), msg.Payload()); err != nil {
		log.Printf("[mqtt] command %s: %v", msg.Topic(), err)
	}
}

// HandleCommand parses a command message and applies it to the controller.
func (b *Bridge) HandleCommand(ctx context.Context, topic string, payload []byte) error {
	cmd, err := b.topics.ParseCommand(topic, payload)
	if err != nil {
		return err
	}
	switch cmd.Action {
	case ActionStart:
		return b.ctrl.Start(ctx, cmd.Channel)
	case ActionStop:
		return b.ctrl.Stop(ctx, cmd.Channel)
	case ActionVent:
		return b.ctrl.Vent(ctx, cmd.Channel)
	case ActionSetpoint:
		_, err := b.ctrl.SetSetpoint(ctx, cmd.Channel, cmd.Value)
		return err
	}
	return fmt.Errorf("%w: action %q", ErrInvalidCommand, cmd.Action)
}

// Close publishes the graceful offline status and disconnects.
func (b *Bridge) Close() {
	if b.client == nil {
		return
	}
	if b.IsConnected() {
		token := b.client.Publish(b.topics.SystemStatus(), b.cfg.QoS, true,
			statusPayload("offline", b.cfg.ClientID, "graceful_shutdown"))
		token.WaitTimeout(publishTimeout)
	}
	b.client.Disconnect(disconnectQuiesce)
	b.setConnected(false)
}

func statusPayload(status, clientID, reason string) string {
	v := map[string]string{
		"status":    status,
		"client_id": clientID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		v["reason"] = reason
	}
	data, _ := json.Marshal(v)
	return string(data)
}
