// Package opcua subscribes to a node list on an OPC-UA server and
// normalizes data-change notifications into protocol records (spec §4.2).
// The secure-channel handshake is gopcua/opcua's; certificate validation
// beyond what the library performs during the handshake (expiry, weak
// signature algorithms) is hand-rolled against crypto/x509 — no example
// repo in the pack carries a client-side cert policy that matches spec
// §4.2's exact check set, so this is grounded on the teacher's
// pkg/security certificate-loading conventions rather than copied from
// any one file.
package opcua

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/otbridge/connector/internal/errs"
	"github.com/otbridge/connector/internal/log"
	"github.com/otbridge/connector/internal/protocol"
	"github.com/otbridge/connector/internal/types"
)

// Client subscribes to the configured node ID list on one OPC-UA server.
type Client struct {
	source types.Source
	opts   types.OPCUAOptions
	runner *protocol.Runner

	client   *opcua.Client
	sub      *opcua.Subscription
	notifyCh chan *opcua.PublishNotificationData
	handles  map[uint32]string // client handle -> node ID, for payload labeling
}

func New(source types.Source) (*Client, error) {
	if source.OPCUA == nil {
		return nil, errs.Config("opcua source missing opcua options", nil)
	}
	c := &Client{
		source:  source,
		opts:    *source.OPCUA,
		handles: map[uint32]string{},
	}
	c.runner = protocol.NewRunner(source.Name, protocol.DefaultBackoff(), c.connect, c.poll, c.disconnect, c.classify)
	return c, nil
}

func (c *Client) Connect(ctx context.Context) error { return c.connect(ctx) }
func (c *Client) Disconnect() error                 { return c.disconnect() }
func (c *Client) Stats() protocol.Stats             { return c.runner.Stats() }
func (c *Client) Health() protocol.Health           { return c.runner.Health() }

func (c *Client) Run(ctx context.Context, onRecord protocol.OnRecord, onStats protocol.OnStats) error {
	return c.runner.Run(ctx, onRecord, onStats)
}

func (c *Client) connect(ctx context.Context) error {
	l := log.WithSource(c.source.Name)

	opcOpts := []opcua.Option{
		opcua.SecurityMode(securityMode(c.opts.SecurityMode)),
	}
	if c.opts.SecurityMode != types.SecurityNone {
		if err := validateCert(c.opts.CertFile); err != nil {
			return errs.Certificate("opcua client certificate rejected", err)
		}
		opcOpts = append(opcOpts, opcua.CertificateFile(c.opts.CertFile), opcua.PrivateKeyFile(c.opts.KeyFile))
		if c.opts.ServerCertFile != "" {
			if err := validateCert(c.opts.ServerCertFile); err != nil {
				return errs.Certificate("opcua server certificate rejected", err)
			}
		}
	}

	cl, err := opcua.NewClient(c.source.Endpoint, opcOpts...)
	if err != nil {
		return fmt.Errorf("opcua: build client: %w", err)
	}
	if err := cl.Connect(ctx); err != nil {
		return fmt.Errorf("opcua: connect %s: %w", c.source.Endpoint, err)
	}
	c.client = cl

	notifyCh := make(chan *opcua.PublishNotificationData, 64)
	sub, err := cl.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: c.opts.PublishingInterval,
	}, notifyCh)
	if err != nil {
		cl.Close(ctx)
		return fmt.Errorf("opcua: subscribe: %w", err)
	}
	c.sub = sub
	c.notifyCh = notifyCh

	sampling := c.opts.SamplingInterval
	if sampling == 0 {
		sampling = c.opts.PublishingInterval
	}
	for i, nodeID := range c.opts.NodeIDs {
		id, err := ua.ParseNodeID(nodeID)
		if err != nil {
			l.Warn().Str("node_id", nodeID).Err(err).Msg("skipping unparsable node id")
			continue
		}
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(id, ua.AttributeIDValue, handle)
		req.RequestedParameters.SamplingInterval = float64(sampling.Milliseconds())
		if _, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req); err != nil {
			l.Warn().Str("node_id", nodeID).Err(err).Msg("failed to monitor node")
			continue
		}
		c.handles[handle] = nodeID
	}

	return nil
}

func (c *Client) disconnect() error {
	if c.sub != nil {
		c.sub.Cancel(context.Background())
		c.sub = nil
	}
	if c.client != nil {
		c.client.Close(context.Background())
		c.client = nil
	}
	return nil
}

// poll blocks for up to one publishing interval waiting on the next
// notification batch and emits a record per changed value.
func (c *Client) poll(ctx context.Context, onRecord protocol.OnRecord) error {
	timeout := c.opts.PublishingInterval
	if timeout <= 0 {
		timeout = time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data, ok := <-c.notifyCh:
		if !ok {
			return fmt.Errorf("opcua: subscription channel closed")
		}
		c.handleNotification(data, onRecord)
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) handleNotification(data *opcua.PublishNotificationData, onRecord protocol.OnRecord) {
	change, ok := data.Value.(*ua.DataChangeNotification)
	if !ok {
		return
	}
	for _, item := range change.MonitoredItems {
		nodeID := c.handles[item.ClientHandle]
		eventTime := time.Now().UnixMicro()
		if item.Value != nil && !item.Value.SourceTimestamp.IsZero() {
			eventTime = item.Value.SourceTimestamp.UnixMicro()
		}

		value, statusCode, status := decodeDataValue(item.Value)
		// ingest_time_us is left 0 here; the queue stamps it at admission
		// (spec §3's event-clock/admission-clock distinction).
		rec, err := types.NewRecord(c.source.Name, c.source.Endpoint, types.ProtocolOPCUA, nodeID,
			value, statusCode, status, eventTime, 0, nil)
		if err != nil {
			continue
		}
		onRecord(rec)
	}
}

func decodeDataValue(dv *ua.DataValue) (types.Value, int32, string) {
	if dv == nil || dv.Value == nil {
		return types.NewStringValue(""), -1, "bad"
	}
	statusCode := int32(dv.Status)
	status := "good"
	if dv.Status != ua.StatusOK {
		status = "bad"
	}

	switch v := dv.Value.Value().(type) {
	case bool:
		return types.NewBoolValue(v), statusCode, status
	case int64:
		return types.NewInt64Value(v), statusCode, status
	case int32:
		return types.NewInt64Value(int64(v)), statusCode, status
	case float64:
		return types.NewFloat64Value(v), statusCode, status
	case float32:
		return types.NewFloat64Value(float64(v)), statusCode, status
	case string:
		return types.NewStringValue(v), statusCode, status
	default:
		return types.NewStringValue(fmt.Sprintf("%v", v)), statusCode, status
	}
}

func securityMode(m types.SecurityMode) ua.MessageSecurityMode {
	switch m {
	case types.SecuritySign:
		return ua.MessageSecurityModeSign
	case types.SecuritySignAndEncrypt:
		return ua.MessageSecurityModeSignAndEncrypt
	default:
		return ua.MessageSecurityModeNone
	}
}

// validateCert rejects a certificate file that doesn't exist, doesn't
// parse, has expired, or was signed with a weak algorithm — the explicit
// check set spec §4.2 calls out beyond what the secure-channel handshake
// itself verifies.
func validateCert(path string) error {
	if path == "" {
		return fmt.Errorf("opcua: security mode requires a certificate file")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("opcua: read certificate: %w", err)
	}
	block, _ := pem.Decode(raw)
	der := raw
	if block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("opcua: parse certificate: %w", err)
	}
	now := time.Now()
	if now.After(cert.NotAfter) {
		return fmt.Errorf("opcua: certificate expired at %s", cert.NotAfter)
	}
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("opcua: certificate not yet valid until %s", cert.NotBefore)
	}
	switch cert.SignatureAlgorithm {
	case x509.MD2WithRSA, x509.MD5WithRSA, x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1:
		return fmt.Errorf("opcua: certificate uses weak signature algorithm %s", cert.SignatureAlgorithm)
	}
	log.Logger.Debug().Str("subject", cert.Subject.CommonName).Time("not_after", cert.NotAfter).Msg("opcua certificate accepted")
	return nil
}

// classify treats certificate rejection as a permanent configuration
// error; anything else (endpoint unreachable, TCP reset) is transient.
func (c *Client) classify(err error) (errs.Kind, bool) {
	if e, ok := err.(*errs.Error); ok && e.Kind == errs.KindCertificate {
		return errs.KindCertificate, true
	}
	return errs.KindTransport, false
}
