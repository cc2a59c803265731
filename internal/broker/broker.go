// Package broker wraps the MQTT connection used between pipeline roles.
// Messages flow on per-vehicle subtopics so ordering is preserved within
// a vehicle, and inbound messages are acknowledged explicitly only after
// the records derived from them have been persisted.
package broker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Message is one inbound broker message. Ref identifies it for a later
// Ack once the derived records have reached a sink.
type Message struct {
	Topic   string
	Payload []byte
	Ref     string
}

type MessageHandler func(msg Message)

type Client struct {
	conn       mqtt.Client
	inputTopic string
	outTopic   string
	qos        byte
	connected  atomic.Bool
	log        zerolog.Logger
	handler    MessageHandler

	mu      sync.Mutex
	pending map[string]mqtt.Message
}

type Options struct {
	BrokerURL   string
	ClientID    string
	InputTopic  string
	OutputTopic string
	Username    string
	Password    string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		inputTopic: opts.InputTopic,
		outTopic:   opts.OutputTopic,
		qos:        1,
		log:        opts.Log,
		pending:    make(map[string]mqtt.Message),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true).
		SetAutoAckDisabled(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

// SetMessageHandler installs the inbound handler. Must be called before
// messages start arriving on the subscription.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handler = h
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	if c.inputTopic == "" {
		return
	}

	// Per-vehicle subtopics under the input topic.
	filter := c.inputTopic + "/+"
	c.log.Info().Str("topic", filter).Msg("mqtt connected, subscribing")
	token := client.Subscribe(filter, c.qos, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.handler == nil {
		c.log.Debug().
			Str("topic", msg.Topic()).
			Int("payload_size", len(msg.Payload())).
			Msg("mqtt message received before handler installed")
		msg.Ack()
		return
	}

	ref := xid.New().String()
	c.mu.Lock()
	c.pending[ref] = msg
	c.mu.Unlock()

	c.handler(Message{Topic: msg.Topic(), Payload: msg.Payload(), Ref: ref})
}

// Publish sends a payload keyed by vehicle id, so all messages of one
// vehicle share a subtopic and stay ordered.
func (c *Client) Publish(vehicle string, payload []byte) error {
	topic := fmt.Sprintf("%s/%s", c.outTopic, vehicle)
	token := c.conn.Publish(topic, c.qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Ack acknowledges the source messages behind the given refs. Unknown
// refs are ignored: they belong to a previous session of this client.
func (c *Client) Ack(refs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range refs {
		if msg, ok := c.pending[ref]; ok {
			msg.Ack()
			delete(c.pending, ref)
		}
	}
}

// PendingCount returns how many inbound messages await acknowledgement.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
