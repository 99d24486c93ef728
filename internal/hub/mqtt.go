package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Config holds MQTT hub configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string

	// PublishTimeout bounds confirmed responses.
	PublishTimeout time.Duration
	// ConfirmTimeout bounds device operations, counted from when they were issued.
	ConfirmTimeout time.Duration
	// RequireAck makes device operations wait for the hub's ack message in
	// addition to the broker's PUBACK.
	RequireAck bool
	// QueueSize is the number of inbound commands buffered before new ones are dropped.
	QueueSize int
}

func (c *Config) setDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "hue-connector"
	}
	if c.ClientID == "" {
		c.ClientID = "hue-connector"
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
}

// commandMessage is the wire form of an inbound command. The device and
// service come from the topic.
type commandMessage struct {
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"` // unix milliseconds
	Completion Completion      `json:"completion"`
}

type responseMessage struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

type operationMessage struct {
	ID       string  `json:"id"`
	Device   *Device `json:"device,omitempty"`
	DeviceID string  `json:"device_id,omitempty"`
}

type syncMessage struct {
	ID      string   `json:"id"`
	Devices []Device `json:"devices"`
}

type ackMessage struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Client talks to the hub over MQTT.
//
// Topics, below the configured prefix:
//
//	command/<device>/<service>   hub -> connector
//	response/<device>/<service>  connector -> hub
//	device/<device>/<operation>  connector -> hub (add, update, delete, connect, disconnect)
//	sync                         connector -> hub
//	ack/<operation id>           hub -> connector
//	connector/state              online/offline, retained, also the last will
type Client struct {
	client pahomqtt.Client
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	commands chan Command

	mu      sync.Mutex
	pending map[string]chan ackMessage
}

// NewClient connects to the broker and subscribes to inbound topics.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.setDefaults()
	c := newClient(nil, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID + "-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetWill(c.topic("connector", "state"), "offline", 1, true).
		SetOnConnectHandler(func(pc pahomqtt.Client) {
			c.log.Info("MQTT connected", "broker", cfg.Broker)
			c.onConnect(pc)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.log.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	pc := pahomqtt.NewClient(opts)
	c.client = pc
	token := pc.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("%w: mqtt connect timeout", ErrTransport)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: mqtt connect: %w", ErrTransport, err)
	}
	return c, nil
}

func newClient(pc pahomqtt.Client, cfg Config, logger *slog.Logger) *Client {
	cfg.setDefaults()
	return &Client{
		client:   pc,
		cfg:      cfg,
		log:      logger.With("component", "hub"),
		now:      time.Now,
		commands: make(chan Command, cfg.QueueSize),
		pending:  make(map[string]chan ackMessage),
	}
}

func (c *Client) topic(parts ...string) string {
	return c.cfg.TopicPrefix + "/" + strings.Join(parts, "/")
}

func (c *Client) onConnect(pc pahomqtt.Client) {
	pc.Subscribe(c.topic("command", "+", "+"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.handleCommand(msg.Topic(), msg.Payload())
	})
	pc.Subscribe(c.topic("ack", "+"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.handleAck(msg.Topic(), msg.Payload())
	})
	c.publish(c.topic("connector", "state"), []byte("online"), true)
}

// Close publishes the offline state and disconnects.
func (c *Client) Close() {
	token := c.client.Publish(c.topic("connector", "state"), 1, true, []byte("offline"))
	token.WaitTimeout(c.cfg.PublishTimeout)
	c.client.Disconnect(1000)
	c.log.Info("MQTT hub client stopped")
}

func (c *Client) handleCommand(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, c.topic("command")+"/")
	if !ok {
		return
	}
	deviceID, service, ok := strings.Cut(rest, "/")
	if !ok || deviceID == "" || service == "" {
		c.log.Warn("malformed command topic", "topic", topic)
		return
	}

	var msg commandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.log.Warn("invalid command JSON", "topic", topic, "err", err)
		return
	}

	cmd := Command{
		ID:         msg.ID,
		DeviceID:   deviceID,
		Service:    service,
		Data:       msg.Data,
		Completion: msg.Completion,
		Timestamp:  c.now(),
	}
	if msg.Timestamp > 0 {
		cmd.IssuedAt = time.UnixMilli(msg.Timestamp)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Completion == "" {
		cmd.Completion = CompletionAsync
	}

	select {
	case c.commands <- cmd:
	default:
		c.log.Warn("command queue full, dropping command", "device", deviceID, "service", service, "id", cmd.ID)
	}
}

// ReceiveCommand waits up to timeout for the next inbound command. It
// returns ErrQueueEmpty when none arrived.
func (c *Client) ReceiveCommand(ctx context.Context, timeout time.Duration) (Command, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case cmd := <-c.commands:
		return cmd, nil
	case <-timer.C:
		return Command{}, ErrQueueEmpty
	case <-ctx.Done():
		return Command{}, ctx.Err()
	}
}

// SendResponse publishes the result of cmd. With async set it returns
// immediately and delivery failures are only logged.
func (c *Client) SendResponse(ctx context.Context, cmd Command, result map[string]any, async bool) error {
	data, err := json.Marshal(responseMessage{ID: cmd.ID, Data: result, Timestamp: c.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	topic := c.topic("response", cmd.DeviceID, cmd.Service)
	if async {
		c.publish(topic, data, false)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()
	return waitToken(ctx, c.client.Publish(topic, 1, false, data))
}

// AddDevice registers d with the hub.
func (c *Client) AddDevice(d Device) Future {
	return c.operation(d.ID, "add", operationMessage{Device: &d})
}

// UpdateDevice pushes d's attributes (e.g. a new name) to the hub.
func (c *Client) UpdateDevice(d Device) Future {
	return c.operation(d.ID, "update", operationMessage{Device: &d})
}

// DeleteDevice removes the device from the hub.
func (c *Client) DeleteDevice(id string) Future {
	return c.operation(id, "delete", operationMessage{DeviceID: id})
}

// ConnectDevice marks the device online.
func (c *Client) ConnectDevice(id string) Future {
	return c.operation(id, "connect", operationMessage{DeviceID: id})
}

// DisconnectDevice marks the device offline.
func (c *Client) DisconnectDevice(id string) Future {
	return c.operation(id, "disconnect", operationMessage{DeviceID: id})
}

// Sync sends the complete device list so the hub can drop anything else.
func (c *Client) Sync(devices []Device) Future {
	msg := syncMessage{ID: uuid.NewString(), Devices: devices}
	if msg.Devices == nil {
		msg.Devices = []Device{}
	}
	return c.issue(msg.ID, c.topic("sync"), msg)
}

func (c *Client) operation(deviceID, op string, msg operationMessage) Future {
	msg.ID = uuid.NewString()
	return c.issue(msg.ID, c.topic("device", deviceID, op), msg)
}

// issue publishes an operation and returns a Future that resolves once the
// broker (and, with RequireAck, the hub) confirmed it. The confirmation
// deadline starts now, not when Wait is called.
func (c *Client) issue(id, topic string, msg any) Future {
	data, err := json.Marshal(msg)
	if err != nil {
		return Resolved(fmt.Errorf("%w: encode %s: %w", ErrHubSync, topic, err))
	}

	var ack chan ackMessage
	if c.cfg.RequireAck {
		ack = make(chan ackMessage, 1)
		c.mu.Lock()
		c.pending[id] = ack
		c.mu.Unlock()
	}

	deadline := c.now().Add(c.cfg.ConfirmTimeout)
	token := c.client.Publish(topic, 1, false, data)
	c.log.Debug("hub operation issued", "topic", topic, "id", id)

	return FutureFunc(func(ctx context.Context) error {
		defer c.forget(id)
		ctx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()

		if err := waitToken(ctx, token); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrHubSync, topic, err)
		}
		if ack == nil {
			return nil
		}
		select {
		case res := <-ack:
			if res.Status != 0 {
				return fmt.Errorf("%w: %s rejected: %s", ErrHubSync, topic, res.Error)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %s not acknowledged: %w", ErrHubSync, topic, ctx.Err())
		}
	})
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) handleAck(topic string, payload []byte) {
	id, ok := strings.CutPrefix(topic, c.topic("ack")+"/")
	if !ok {
		return
	}
	var msg ackMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.log.Warn("invalid ack JSON", "topic", topic, "err", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("ack for unknown operation", "id", id)
		return
	}
	ch <- msg
}

func (c *Client) publish(topic string, payload []byte, retained bool) {
	token := c.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(c.cfg.PublishTimeout) {
			c.log.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			c.log.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func waitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: publish not confirmed: %w", ErrTransport, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}
