package types

import "time"

// DropPolicy names the backpressure queue's overflow behavior.
type DropPolicy string

const (
	DropNewest DropPolicy = "drop_newest"
	DropOldest DropPolicy = "drop_oldest"
)

// SecurityMode is the OPC-UA secure-channel mode.
type SecurityMode string

const (
	SecurityNone             SecurityMode = "none"
	SecuritySign             SecurityMode = "sign"
	SecuritySignAndEncrypt   SecurityMode = "sign_and_encrypt"
)

// OPCUAOptions holds OPC-UA-specific source configuration.
type OPCUAOptions struct {
	NodeIDs             []string      `yaml:"node_ids" validate:"required,min=1"`
	PublishingInterval  time.Duration `yaml:"publishing_interval" validate:"required"`
	SamplingInterval    time.Duration `yaml:"sampling_interval"`
	SecurityMode        SecurityMode  `yaml:"security_mode" validate:"omitempty,oneof=none sign sign_and_encrypt"`
	CertFile            string        `yaml:"cert_file"`
	KeyFile             string        `yaml:"key_file"`
	ServerCertFile      string        `yaml:"server_cert_file"`
}

// MQTTTopicSub is one subscribed topic filter and its QoS.
type MQTTTopicSub struct {
	Topic string `yaml:"topic" validate:"required"`
	QoS   byte   `yaml:"qos" validate:"lte=2"`
}

// MQTTOptions holds MQTT-specific source configuration.
type MQTTOptions struct {
	ClientID   string         `yaml:"client_id"`
	Topics     []MQTTTopicSub `yaml:"topics" validate:"required,min=1,dive"`
	Username   string         `yaml:"username"`
	PasswordEnv string        `yaml:"password_env"`
}

// ModbusRegister is one polled register-map entry.
type ModbusRegister struct {
	Name         string  `yaml:"name" validate:"required"`
	Unit         byte    `yaml:"unit"`
	Function     string  `yaml:"function" validate:"required,oneof=holding input coil discrete"`
	Address      uint16  `yaml:"address"`
	Length       uint16  `yaml:"length" validate:"required,min=1"`
	ScaleFactor  float64 `yaml:"scale_factor"`
}

// ModbusOptions holds Modbus-TCP-specific source configuration.
type ModbusOptions struct {
	Registers []ModbusRegister `yaml:"registers" validate:"required,min=1,dive"`
	ScanCycle time.Duration    `yaml:"scan_cycle" validate:"required"`
}

// Source is the configuration entity for one field endpoint.
type Source struct {
	Name              string        `yaml:"name" validate:"required"`
	Protocol          ProtocolKind  `yaml:"protocol" validate:"omitempty,oneof=opcua mqtt modbus"`
	ThingDescription  string        `yaml:"thing_description" validate:"omitempty,url"`
	Endpoint          string        `yaml:"endpoint"`
	Enabled           bool          `yaml:"enabled"`

	OPCUA  *OPCUAOptions  `yaml:"opcua,omitempty"`
	MQTT   *MQTTOptions   `yaml:"mqtt,omitempty"`
	Modbus *ModbusOptions `yaml:"modbus,omitempty"`

	// ConnectorInstanceID is stamped at bridge startup, not read from
	// config; it identifies which process lifetime wrote a spool segment.
	ConnectorInstanceID string `yaml:"-"`

	// Thing is the parsed Thing Description, resolved from ThingDescription
	// (fetched and cached, or carried over from add_source_from_td) and
	// never read from the YAML config file directly. Nil means the source
	// carries no WoT enrichment.
	Thing *ThingConfig `yaml:"-"`
}

// ThingConfig is derived once per Thing Description fetch and cached until
// the owning source is reconfigured.
type ThingConfig struct {
	ThingID      string
	Title        string
	Endpoint     string
	ProtocolKind ProtocolKind
	Properties   []string
	SemanticType map[string]string
	UnitURI      map[string]string
	RawTD        map[string]any
}

// Batch is an ordered, identity-less sequence of records — the unit of
// acknowledgement from the sink.
type Batch struct {
	Records []*ProtocolRecord
}

func (b *Batch) Len() int { return len(b.Records) }
