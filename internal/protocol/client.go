// Package protocol defines the capability pair every field-protocol client
// conforms to (spec §4.2, design note "dynamic callbacks -> explicit
// interfaces") and a shared reconnect/state-machine runner so the backoff
// and transition logic is written once.
package protocol

import (
	"context"

	"github.com/otbridge/connector/internal/types"
)

// OnRecord is called synchronously from a client's run loop for every
// normalized record it produces. Implementations (the queue, or the WoT
// decorator wrapping it) must never block.
type OnRecord func(*types.ProtocolRecord)

// Stats is a periodic, protocol-specific snapshot a client reports.
type Stats struct {
	RecordsEmitted   uint64
	ReconnectCount   uint64
	LastError        string
}

// OnStats is called periodically with a client's current stats.
type OnStats func(Stats)

// State is one of the client lifecycle states (spec §4.2).
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

// Health is what health() returns: a state plus, for failed sources, the
// error class and cause spec §7 wants surfaced.
type Health struct {
	State State
	Kind  string // one of internal/errs's Kind strings, empty unless Failed
	Cause string
}

// Client is the capability set every protocol client implements.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	// Run is the long-lived operation; it returns only on shutdown or
	// permanent failure. Records are delivered synchronously via onRecord.
	Run(ctx context.Context, onRecord OnRecord, onStats OnStats) error
	Stats() Stats
	Health() Health
}
