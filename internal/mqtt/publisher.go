// Package mqtt publishes receiver transitions to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/radiosync/internal/config"
	"github.com/dokzlo13/radiosync/internal/controller"
	"github.com/dokzlo13/radiosync/internal/receiver"
)

var (
	// ErrConnectionFailed is returned when the initial broker connection fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	// ErrPublishFailed is returned when a publish is not acknowledged.
	ErrPublishFailed = errors.New("mqtt: publish failed")
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
	qos               = 1
)

// Topics builds topic names under a prefix.
type Topics struct {
	Prefix string
}

// State is the retained current-state topic.
func (t Topics) State() string { return t.Prefix + "/state" }

// Transition receives every transition attempt.
func (t Topics) Transition() string { return t.Prefix + "/transition" }

// Status carries the online/offline availability (retained, also the last will).
func (t Topics) Status() string { return t.Prefix + "/status" }

// StatePayload is published retained to Topics.State.
type StatePayload struct {
	Streaming bool      `json:"streaming"`
	Action    string    `json:"action"`
	ID        string    `json:"id"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TransitionPayload is published to Topics.Transition.
type TransitionPayload struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Outcome   string          `json:"outcome"`
	Error     string          `json:"error,omitempty"`
	Applied   *receiver.State `json:"applied,omitempty"`
	Saved     *receiver.State `json:"saved,omitempty"`
	Streaming bool            `json:"streaming"`
	Target    string          `json:"target,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// client is the subset of the paho client used here.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Publisher sends transition events to the broker.
type Publisher struct {
	client client
	topics Topics
}

// Connect dials the broker and announces the service as online.
// The broker publishes the offline status if the connection drops.
func Connect(cfg config.MQTTConfig) (*Publisher, error) {
	topics := Topics{Prefix: cfg.TopicPrefix}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetWill(topics.Status(), "offline", qos, true)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("Connected to MQTT broker")
		c.Publish(topics.Status(), qos, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("Lost connection to MQTT broker, reconnecting")
	})

	c := pahomqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return newPublisher(c, topics), nil
}

func newPublisher(c client, topics Topics) *Publisher {
	return &Publisher{client: c, topics: topics}
}

// PublishTransition publishes the transition record, then the retained current state.
func (p *Publisher) PublishTransition(tr controller.Transition) error {
	if err := p.publishJSON(p.topics.Transition(), false, NewTransitionPayload(tr)); err != nil {
		return err
	}
	return p.publishJSON(p.topics.State(), true, StatePayload{
		Streaming: tr.Streaming,
		Action:    tr.Action.String(),
		ID:        tr.ID,
		Target:    tr.Target,
		Timestamp: tr.At.UTC(),
	})
}

// NewTransitionPayload converts a transition to its wire form.
func NewTransitionPayload(tr controller.Transition) TransitionPayload {
	p := TransitionPayload{
		ID:        tr.ID,
		Action:    tr.Action.String(),
		Outcome:   "ok",
		Applied:   tr.Applied,
		Saved:     tr.Saved,
		Streaming: tr.Streaming,
		Target:    tr.Target,
		Timestamp: tr.At.UTC(),
	}
	if tr.Err != nil {
		p.Outcome = "failed"
		p.Error = tr.Err.Error()
	}
	return p
}

func (p *Publisher) publishJSON(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %w", ErrPublishFailed, topic, err)
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Close announces a graceful shutdown and disconnects.
func (p *Publisher) Close() {
	token := p.client.Publish(p.topics.Status(), qos, true, "offline")
	token.WaitTimeout(publishTimeout)
	p.client.Disconnect(disconnectQuiesce)
}
