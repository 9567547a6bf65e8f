package publisher

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher wraps a Paho MQTT client.
type MQTTPublisher struct {
	client      mqtt.Client
	qos         byte
	statusTopic string
}

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	// StatusTopic, when set, carries a retained "online" message while
	// connected and an "offline" last will.
	StatusTopic string

	// ConnectWait bounds how long NewMQTTPublisher waits for the first
	// connection before leaving it to retry in the background.
	ConnectWait time.Duration

	// RetryInterval is the pause between connection attempts while the
	// broker is unreachable.
	RetryInterval time.Duration
}

const (
	publishTimeout     = 10 * time.Second
	defaultConnectWait = 5 * time.Second
	defaultRetry       = 5 * time.Second
)

// NewMQTTPublisher creates an MQTT publisher and starts connecting. It
// returns once connected or after opts.ConnectWait, whichever comes first;
// an unreachable broker is retried in the background and messages
// published meanwhile are queued by the client.
func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	p := &MQTTPublisher{
		qos:         opts.QoS,
		statusTopic: opts.StatusTopic,
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = defaultRetry
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(retry).
		SetMaxReconnectInterval(60 * time.Second).
		SetOnConnectHandler(p.onConnect)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	if opts.StatusTopic != "" {
		clientOpts.SetWill(opts.StatusTopic, "offline", opts.QoS, true)
	}

	wait := opts.ConnectWait
	if wait <= 0 {
		wait = defaultConnectWait
	}

	p.client = mqtt.NewClient(clientOpts)
	token := p.client.Connect()
	if token.WaitTimeout(wait) {
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
		}
	}
	return p, nil
}

// onConnect announces the publisher on every (re)connection. It must not
// block the client.
func (p *MQTTPublisher) onConnect(c mqtt.Client) {
	if p.statusTopic != "" {
		c.Publish(p.statusTopic, p.qos, true, []byte("online"))
	}
}

// Connected reports whether the broker connection is currently up.
func (p *MQTTPublisher) Connected() bool {
	return p.client.IsConnectionOpen()
}

// Publish sends payload and waits for the broker acknowledgement, giving up
// when ctx is done or after publishTimeout.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	token := p.client.Publish(topic, p.qos, retained, payload)

	timeout := publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("publishing to %s: timed out after %s", topic, timeout)
	}
	return token.Error()
}

func (p *MQTTPublisher) Close() error {
	if p.statusTopic != "" && p.Connected() {
		token := p.client.Publish(p.statusTopic, p.qos, true, []byte("offline"))
		token.WaitTimeout(time.Second)
	}
	p.client.Disconnect(1000)
	return nil
}
