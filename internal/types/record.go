// Package types holds the data carriers shared by every package in the
// pipeline: the protocol-agnostic record, the source configuration entity,
// and the value variant records carry.
package types

import (
	"fmt"
)

// ProtocolKind tags which field protocol produced a record.
type ProtocolKind string

const (
	ProtocolOPCUA   ProtocolKind = "opcua"
	ProtocolMQTT    ProtocolKind = "mqtt"
	ProtocolModbus  ProtocolKind = "modbus"
)

// ValueType names the canonical variant a Value holds.
type ValueType string

const (
	ValueBool    ValueType = "bool"
	ValueInt64   ValueType = "int64"
	ValueFloat64 ValueType = "float64"
	ValueString  ValueType = "string"
	ValueBytes   ValueType = "bytes"
)

// Value is a closed tagged variant over the scalar types a field protocol
// can produce. Exactly one of the typed fields is meaningful, selected by
// Type. This is deliberately a closed set rather than an `any`.
type Value struct {
	Type ValueType

	B  bool
	I  int64
	F  float64
	S  string
	By []byte
}

// NewBoolValue constructs a bool-typed Value.
func NewBoolValue(v bool) Value { return Value{Type: ValueBool, B: v} }

// NewInt64Value constructs an int64-typed Value.
func NewInt64Value(v int64) Value { return Value{Type: ValueInt64, I: v} }

// NewFloat64Value constructs a float64-typed Value.
func NewFloat64Value(v float64) Value { return Value{Type: ValueFloat64, F: v} }

// NewStringValue constructs a string-typed Value.
func NewStringValue(v string) Value { return Value{Type: ValueString, S: v} }

// NewBytesValue constructs a bytes-typed Value.
func NewBytesValue(v []byte) Value { return Value{Type: ValueBytes, By: v} }

// String renders the canonical string form used on the wire.
func (v Value) String() string {
	switch v.Type {
	case ValueBool:
		if v.B {
			return "true"
		}
		return "false"
	case ValueInt64:
		return fmt.Sprintf("%d", v.I)
	case ValueFloat64:
		return fmt.Sprintf("%g", v.F)
	case ValueString:
		return v.S
	case ValueBytes:
		return fmt.Sprintf("%x", v.By)
	default:
		return ""
	}
}

// Numeric returns the numeric projection of the value and whether one
// exists. Populated iff Type is int64, float64, or bool (mapped to 0/1).
func (v Value) Numeric() (float64, bool) {
	switch v.Type {
	case ValueInt64:
		return float64(v.I), true
	case ValueFloat64:
		return v.F, true
	case ValueBool:
		if v.B {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ProtocolRecord is the universal normalized event. Immutable once
// constructed; ownership passes from the client to the queue, then to the
// batcher, then to the sink.
type ProtocolRecord struct {
	EventTimeUS  int64
	IngestTimeUS int64

	SourceName   string
	Endpoint     string
	ProtocolKind ProtocolKind
	TopicOrPath  string

	Value     Value
	ValueType ValueType
	ValueNum  *float64

	Metadata   map[string]string
	StatusCode int32
	Status     string

	// WoT enrichment fields. Set together by the WoT wrapper or left nil
	// together — never partially populated.
	ThingID      *string
	ThingTitle   *string
	SemanticType *string
	UnitURI      *string

	// seq is a monotonic, in-process-only counter used by tests to assert
	// per-source ordering. It is never part of the wire payload.
	seq uint64
}

// NewRecord constructs a ProtocolRecord, computing ValueNum from Value.
func NewRecord(sourceName, endpoint string, kind ProtocolKind, topicOrPath string, value Value, statusCode int32, status string, eventTimeUS, ingestTimeUS int64, metadata map[string]string) (*ProtocolRecord, error) {
	if eventTimeUS < 0 {
		return nil, fmt.Errorf("types: event_time_us must be >= 0, got %d", eventTimeUS)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	r := &ProtocolRecord{
		EventTimeUS:  eventTimeUS,
		IngestTimeUS: ingestTimeUS,
		SourceName:   sourceName,
		Endpoint:     endpoint,
		ProtocolKind: kind,
		TopicOrPath:  topicOrPath,
		Value:        value,
		ValueType:    value.Type,
		Metadata:     metadata,
		StatusCode:   statusCode,
		Status:       status,
	}
	if n, ok := value.Numeric(); ok {
		r.ValueNum = &n
	}
	return r, nil
}

// WithIngestTime returns a shallow copy stamped with the queue's ingest
// time. Used exactly once, by the queue, when a record is offered.
func (r *ProtocolRecord) WithIngestTime(ingestTimeUS int64) *ProtocolRecord {
	cp := *r
	cp.IngestTimeUS = ingestTimeUS
	return &cp
}

// WithSeq returns a shallow copy stamped with an in-process sequence
// number. Used only by the queue for test-observable ordering.
func (r *ProtocolRecord) WithSeq(seq uint64) *ProtocolRecord {
	cp := *r
	cp.seq = seq
	return &cp
}

// Seq returns the in-process sequence number, or 0 if unset.
func (r *ProtocolRecord) Seq() uint64 { return r.seq }

// WithWoT returns a shallow copy enriched with the four WoT fields. All
// four are set together; the wrapper never partially fills them.
func (r *ProtocolRecord) WithWoT(thingID, thingTitle, semanticType, unitURI string) *ProtocolRecord {
	cp := *r
	cp.ThingID = &thingID
	cp.ThingTitle = &thingTitle
	cp.SemanticType = &semanticType
	cp.UnitURI = &unitURI
	return &cp
}

// ToPayload produces the canonical map used by the spool serializer and
// the sink wire format (spec §6). WoT fields are omitted entirely when nil.
func (r *ProtocolRecord) ToPayload() map[string]any {
	p := map[string]any{
		"event_time":    r.EventTimeUS,
		"ingest_time":   r.IngestTimeUS,
		"source_name":   r.SourceName,
		"endpoint":      r.Endpoint,
		"protocol_type": string(r.ProtocolKind),
		"topic_or_path": r.TopicOrPath,
		"value":         r.Value.String(),
		"value_type":    string(r.ValueType),
		"status_code":   r.StatusCode,
		"status":        r.Status,
	}
	if r.ValueNum != nil {
		p["value_num"] = *r.ValueNum
	} else {
		p["value_num"] = nil
	}
	meta := make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		meta[k] = v
	}
	p["metadata"] = meta
	if r.ThingID != nil {
		p["thing_id"] = *r.ThingID
		p["thing_title"] = *r.ThingTitle
		p["semantic_type"] = *r.SemanticType
		p["unit_uri"] = *r.UnitURI
	}
	return p
}
