// Package mqtt subscribes to a set of topic filters on an MQTT broker and
// normalizes inbound messages into protocol records (spec §4.2). Grounded
// on the teacher's pkg/worker/health_monitor.go callback-to-channel bridge
// (an async event source driving a synchronous poll loop) adapted from
// container health results to MQTT message delivery.
package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/otbridge/connector/internal/errs"
	"github.com/otbridge/connector/internal/log"
	"github.com/otbridge/connector/internal/protocol"
	"github.com/otbridge/connector/internal/types"
)

// inboundMsg is one delivered MQTT message, bridged from paho's async
// callback into the Runner's synchronous poll loop.
type inboundMsg struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Client subscribes to the source's configured topics on one broker.
type Client struct {
	source types.Source
	opts   types.MQTTOptions
	runner *protocol.Runner

	pahoClient paho.Client
	inbox      chan inboundMsg

	// headless is set when the broker connection is up but no
	// subscriptions are currently confirmed: health() still reports
	// "running" while record emission stops, per spec §4.2's note on
	// MQTT's degraded mode.
	headless bool
}

func New(source types.Source, password string) (*Client, error) {
	if source.MQTT == nil {
		return nil, errs.Config("mqtt source missing mqtt options", nil)
	}
	c := &Client{
		source: source,
		opts:   *source.MQTT,
		inbox:  make(chan inboundMsg, 1024),
	}
	c.runner = protocol.NewRunner(source.Name, protocol.DefaultBackoff(), c.connectFn(password), c.poll, c.disconnect, c.classify)
	return c, nil
}

func (c *Client) Connect(ctx context.Context) error { return c.connectFn("")(ctx) }
func (c *Client) Disconnect() error                 { return c.disconnect() }
func (c *Client) Stats() protocol.Stats             { return c.runner.Stats() }
func (c *Client) Health() protocol.Health           { return c.runner.Health() }

func (c *Client) Run(ctx context.Context, onRecord protocol.OnRecord, onStats protocol.OnStats) error {
	return c.runner.Run(ctx, onRecord, onStats)
}

func (c *Client) connectFn(password string) func(context.Context) error {
	return func(ctx context.Context) error {
		l := log.WithSource(c.source.Name)

		opts := paho.NewClientOptions().
			AddBroker(c.source.Endpoint).
			SetClientID(clientID(c.opts, c.source.Name)).
			// A stable, operator-configured client ID means the broker
			// should preserve subscription state across reconnects; an
			// auto-generated one is ephemeral, so there's nothing worth
			// keeping.
			SetCleanSession(c.opts.ClientID == "").
			SetAutoReconnect(false). // Runner owns reconnect/backoff
			SetConnectTimeout(10 * time.Second).
			SetOnConnectHandler(func(cl paho.Client) {
				c.headless = true // subscriptions not yet (re)confirmed
				for _, sub := range c.opts.Topics {
					topic, qos := sub.Topic, sub.QoS
					token := cl.Subscribe(topic, qos, func(_ paho.Client, m paho.Message) {
						select {
						case c.inbox <- inboundMsg{topic: m.Topic(), payload: m.Payload(), qos: m.Qos(), retain: m.Retained()}:
						default:
							l.Warn().Str("topic", m.Topic()).Msg("mqtt inbox full, dropping message")
						}
					})
					go func() {
						token.Wait()
						if token.Error() == nil {
							c.headless = false
						}
					}()
				}
			}).
			SetConnectionLostHandler(func(_ paho.Client, err error) {
				l.Warn().Err(err).Msg("mqtt connection lost")
			})
		if c.opts.Username != "" {
			opts.SetUsername(c.opts.Username)
			opts.SetPassword(password)
		}

		cl := paho.NewClient(opts)
		token := cl.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("mqtt: connect timeout to %s", c.source.Endpoint)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: connect %s: %w", c.source.Endpoint, err)
		}
		c.pahoClient = cl
		return nil
	}
}

func (c *Client) disconnect() error {
	if c.pahoClient != nil && c.pahoClient.IsConnected() {
		c.pahoClient.Disconnect(250)
	}
	c.pahoClient = nil
	return nil
}

// poll drains whatever messages arrived since the last call, blocking up
// to one second for at least one if the inbox is empty, then normalizing
// each into a record. Headless mode (broker connected, no confirmed
// subscription) reports no transport error — the state machine stays
// "running" rather than flapping into reconnecting.
func (c *Client) poll(ctx context.Context, onRecord protocol.OnRecord) error {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	select {
	case msg := <-c.inbox:
		c.emit(msg, onRecord)
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case msg := <-c.inbox:
			c.emit(msg, onRecord)
		default:
			return nil
		}
	}
}

func (c *Client) emit(msg inboundMsg, onRecord protocol.OnRecord) {
	now := time.Now().UnixMicro()
	rec, err := types.NewRecord(c.source.Name, c.source.Endpoint, types.ProtocolMQTT, msg.topic,
		types.NewBytesValue(msg.payload), 0, "good", now, 0, map[string]string{
			"qos":    fmt.Sprintf("%d", msg.qos),
			"retain": fmt.Sprintf("%t", msg.retain),
		})
	if err != nil {
		return
	}
	onRecord(rec)
}

func clientID(opts types.MQTTOptions, source string) string {
	if opts.ClientID != "" {
		return opts.ClientID
	}
	return "otdmz-" + source
}

// classify treats every connect/transport error as transient: a broker
// outage or bad credentials both resolve the same way, by backing off and
// retrying, and spec §7 doesn't distinguish MQTT auth failures as
// permanent the way it does for OPC-UA certificate rejection.
func (c *Client) classify(err error) (errs.Kind, bool) {
	return errs.KindTransport, false
}
