// Package modbus polls a Modbus TCP register map on a fixed scan cycle and
// normalizes readings into protocol records (spec §4.2). Grounded on the
// teacher's pkg/worker containerExecutorLoop ticker-poll shape, adapted
// from polling for container assignments to polling holding/input
// registers.
package modbus

import (
	"context"
	"fmt"
	"time"

	gomodbus "github.com/grid-x/modbus"

	"github.com/otbridge/connector/internal/errs"
	"github.com/otbridge/connector/internal/protocol"
	"github.com/otbridge/connector/internal/types"
)

// Client polls a set of registers from one Modbus TCP endpoint.
type Client struct {
	source   types.Source
	opts     types.ModbusOptions
	runner   *protocol.Runner

	handler *gomodbus.TCPClientHandler
	client  gomodbus.Client

	lastScan time.Time
}

func New(source types.Source) (*Client, error) {
	if source.Modbus == nil {
		return nil, errs.Config("modbus source missing modbus options", nil)
	}
	c := &Client{source: source, opts: *source.Modbus}
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
	handler := gomodbus.NewTCPClientHandler(c.source.Endpoint)
	handler.Timeout = 5 * time.Second
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("modbus: connect %s: %w", c.source.Endpoint, err)
	}
	c.handler = handler
	c.client = gomodbus.NewClient(handler)
	return nil
}

func (c *Client) disconnect() error {
	if c.handler != nil {
		err := c.handler.Close()
		c.handler = nil
		c.client = nil
		return err
	}
	return nil
}

// poll waits out the scan cycle (skipping the wait on the very first call)
// then reads every configured register and emits one record each.
func (c *Client) poll(ctx context.Context, onRecord protocol.OnRecord) error {
	if !c.lastScan.IsZero() {
		remaining := c.opts.ScanCycle - time.Since(c.lastScan)
		if remaining > 0 {
			t := time.NewTimer(remaining)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	c.lastScan = time.Now()

	for _, reg := range c.opts.Registers {
		rec, err := c.readRegister(reg)
		if err != nil {
			// A single bad register is a data-quality event, not a
			// transport failure: emit a bad-quality record and continue.
			rec = c.badQualityRecord(reg, err)
		}
		onRecord(rec)
	}
	return nil
}

func (c *Client) readRegister(reg types.ModbusRegister) (*types.ProtocolRecord, error) {
	c.handler.SlaveID = reg.Unit

	var raw []byte
	var err error
	switch reg.Function {
	case "holding":
		raw, err = c.client.ReadHoldingRegisters(reg.Address, reg.Length)
	case "input":
		raw, err = c.client.ReadInputRegisters(reg.Address, reg.Length)
	case "coil":
		raw, err = c.client.ReadCoils(reg.Address, reg.Length)
	case "discrete":
		raw, err = c.client.ReadDiscreteInputs(reg.Address, reg.Length)
	default:
		return nil, fmt.Errorf("modbus: unsupported function %q", reg.Function)
	}
	if err != nil {
		return nil, fmt.Errorf("modbus: read %s@%d: %w", reg.Function, reg.Address, err)
	}

	value := decodeRegister(raw, reg)
	now := time.Now().UnixMicro()
	rec, err := types.NewRecord(c.source.Name, c.source.Endpoint, types.ProtocolModbus, registerTopic(reg), value, 0, "good", now, 0, registerMetadata(reg))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// registerTopic encodes the wire address a record came from — unit,
// function, address, and length — since Modbus has no native topic or
// path the way MQTT or OPC-UA node IDs do.
func registerTopic(reg types.ModbusRegister) string {
	return fmt.Sprintf("unit=%d;function=%s;address=%d;length=%d", reg.Unit, reg.Function, reg.Address, reg.Length)
}

// registerMetadata surfaces the register's human-chosen name and the
// raw-to-scaled conversion factor decodeRegister applied, since neither
// survives into the record's value or topic_or_path.
func registerMetadata(reg types.ModbusRegister) map[string]string {
	return map[string]string{
		"register_name": reg.Name,
		"scale_factor":  fmt.Sprintf("%g", reg.ScaleFactor),
	}
}

// decodeRegister interprets raw register bytes as a big-endian 16-bit
// value (or a single bit for coils and discrete inputs), applying the
// configured scale factor.
func decodeRegister(raw []byte, reg types.ModbusRegister) types.Value {
	if reg.Function == "coil" || reg.Function == "discrete" {
		if len(raw) > 0 && raw[0] != 0 {
			return types.NewBoolValue(true)
		}
		return types.NewBoolValue(false)
	}
	if len(raw) < 2 {
		return types.NewFloat64Value(0)
	}
	v := int64(raw[0])<<8 | int64(raw[1])
	f := float64(v)
	if reg.ScaleFactor != 0 {
		f *= reg.ScaleFactor
	}
	return types.NewFloat64Value(f)
}

func (c *Client) badQualityRecord(reg types.ModbusRegister, cause error) *types.ProtocolRecord {
	now := time.Now().UnixMicro()
	meta := registerMetadata(reg)
	meta["error"] = cause.Error()
	rec, _ := types.NewRecord(c.source.Name, c.source.Endpoint, types.ProtocolModbus, registerTopic(reg), types.NewFloat64Value(0), 1, "bad", now, 0, meta)
	return rec
}

// classify treats a Modbus exception response (from a misconfigured
// register map) as permanent, since retrying won't change a wrong address
// or function code; every other error is treated as transient.
func (c *Client) classify(err error) (errs.Kind, bool) {
	if _, ok := err.(*gomodbus.ModbusError); ok {
		return errs.KindProtocol, true
	}
	return errs.KindTransport, false
}
