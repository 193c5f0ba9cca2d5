package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	keepAlive      = 60 * time.Second
	quiesceMillis  = 250
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrPublishFailed    = errors.New("mqtt publish failed")
	ErrSubscribeFailed  = errors.New("mqtt subscribe failed")
)

// BrokerOptions identifies a broker and how to authenticate to it.
type BrokerOptions struct {
	URL      string
	ClientID string
	Username string
	Password string
}

// Conn is the subset of a broker session the adapter needs.
type Conn interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// Dialer opens a broker session.
type Dialer func(ctx context.Context, opts BrokerOptions) (Conn, error)

// DialPaho connects with the Eclipse Paho client.
func DialPaho(ctx context.Context, opts BrokerOptions) (Conn, error) {
	client := pahomqtt.NewClient(clientOptions(opts))
	token := client.Connect()

	timeout := connectTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return &pahoConn{client: client}, nil
}

func clientOptions(opts BrokerOptions) *pahomqtt.ClientOptions {
	o := pahomqtt.NewClientOptions()
	o.AddBroker(opts.URL)
	o.SetClientID(opts.ClientID)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	o.SetCleanSession(true)
	o.SetAutoReconnect(false)
	o.SetConnectTimeout(connectTimeout)
	o.SetKeepAlive(keepAlive)
	if strings.HasPrefix(opts.URL, "ssl://") || strings.HasPrefix(opts.URL, "tls://") || strings.HasPrefix(opts.URL, "mqtts://") {
		o.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return o
}

type pahoConn struct {
	client pahomqtt.Client
}

func (c *pahoConn) Subscribe(topic string, qos byte, handler func(string, []byte)) error {
	token := c.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

func (c *pahoConn) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	token.WaitTimeout(publishTimeout)
	return token.Error()
}

func (c *pahoConn) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (c *pahoConn) Close() {
	c.client.Disconnect(quiesceMillis)
}
