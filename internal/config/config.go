// Package config loads and validates the connector's YAML configuration
// file (spec §6), the way the teacher's cmd/warren apply.go reads and
// unmarshals a YAML resource — except this config drives the whole
// process rather than one applied resource. Struct tags carry both the
// yaml.v3 field mapping and the go-playground/validator/v10 rules, so
// one decode-then-validate pass produces either a ready-to-use File or a
// single aggregated error naming every rejected field.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/otbridge/connector/internal/batcher"
	"github.com/otbridge/connector/internal/breaker"
	"github.com/otbridge/connector/internal/errs"
	"github.com/otbridge/connector/internal/log"
	"github.com/otbridge/connector/internal/queue"
	"github.com/otbridge/connector/internal/sink"
	"github.com/otbridge/connector/internal/spool"
	"github.com/otbridge/connector/internal/tracing"
	"github.com/otbridge/connector/internal/types"
)

// ConnectorSection holds process-wide settings: state directory, log
// level/format, and the management API bind address.
type ConnectorSection struct {
	StateDir   string   `yaml:"state_dir" validate:"required"`
	LogLevel   log.Level `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogJSON    bool     `yaml:"log_json"`
	APIAddr    string   `yaml:"api_addr" validate:"required,hostname_port"`
	Tracing    TracingSection `yaml:"tracing"`
}

// TracingSection selects the OpenTelemetry trace exporter (spec §4.6.5).
// Left zero-valued, it defaults to a stdout exporter — there is no
// "disabled by default" posture here because the teacher's own services
// always emit traces somewhere, even if only to their own console.
type TracingSection struct {
	Exporter     string `yaml:"exporter" validate:"omitempty,oneof=stdout otlp none"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// QueueSection mirrors internal/queue.Config in YAML form.
type QueueSection struct {
	MaxSize       int            `yaml:"max_size" validate:"required,min=1"`
	DropPolicy    types.DropPolicy `yaml:"drop_policy" validate:"omitempty,oneof=drop_newest drop_oldest"`
	SpoolEnabled  bool           `yaml:"spool_enabled"`
	HighWatermark float64        `yaml:"high_watermark" validate:"omitempty,gt=0,lte=1"`
	LowWatermark  float64        `yaml:"low_watermark" validate:"omitempty,gt=0,lte=1"`
	DrainInterval time.Duration  `yaml:"drain_interval"`
}

// SpoolSection mirrors internal/spool.Config in YAML form. Passphrase is
// never read from the file itself — only its source env var name is, so
// the secret never lands on disk in the config (spec's encryption-at-rest
// note, carried even though config-file encryption itself is a Non-goal).
type SpoolSection struct {
	MaxSegmentBytes   int64  `yaml:"max_segment_bytes" validate:"omitempty,min=1"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	PassphraseEnv     string `yaml:"passphrase_env" validate:"required_if=EncryptionEnabled true"`
	FsyncEveryN       int    `yaml:"fsync_every_n"`
	FsyncEveryMS      int    `yaml:"fsync_every_ms"`
}

// BatcherSection mirrors internal/batcher.Config in YAML form.
type BatcherSection struct {
	BatchSize            int           `yaml:"batch_size" validate:"required,min=1"`
	BatchMaxAge          time.Duration `yaml:"batch_max_age" validate:"required"`
	MaxSendRecordsPerSec float64       `yaml:"max_send_records_per_sec" validate:"required,gt=0"`
}

// BreakerSection mirrors internal/breaker.Config in YAML form.
type BreakerSection struct {
	FailureThreshold uint32        `yaml:"failure_threshold" validate:"required,min=1"`
	CooldownBase     time.Duration `yaml:"cooldown_base" validate:"required"`
	CooldownCap      time.Duration `yaml:"cooldown_cap" validate:"required"`
}

// SinkSection mirrors internal/sink.Config in YAML form. ClientSecret is
// read from an env var for the same reason the spool passphrase is.
type SinkSection struct {
	Endpoint              string         `yaml:"endpoint" validate:"required"`
	InsecureSkipVerify    bool           `yaml:"insecure_skip_verify"`
	TokenURL              string         `yaml:"token_url" validate:"required,url"`
	ClientID              string         `yaml:"client_id" validate:"required"`
	ClientSecretEnv       string         `yaml:"client_secret_env" validate:"required"`
	Scopes                []string       `yaml:"scopes"`
	MaxInflightRecords    int64          `yaml:"max_inflight_records" validate:"omitempty,min=1"`
	MaxRetries            int            `yaml:"max_retries" validate:"omitempty,min=0"`
	RetryBase             time.Duration  `yaml:"retry_base"`
	RetryCap              time.Duration  `yaml:"retry_cap"`
	Breaker               BreakerSection `yaml:"breaker"`
}

// PipelineSection groups the subsystems the bridge wires together.
type PipelineSection struct {
	Queue   QueueSection   `yaml:"queue" validate:"required"`
	Spool   SpoolSection   `yaml:"spool"`
	Batcher BatcherSection `yaml:"batcher" validate:"required"`
	Sink    SinkSection    `yaml:"sink" validate:"required"`
}

// ShutdownSection holds the two-stage drain timeouts.
type ShutdownSection struct {
	SoftTimeout time.Duration `yaml:"soft_timeout"`
	HardTimeout time.Duration `yaml:"hard_timeout"`
}

// File is the top-level shape of the connector's YAML config file.
type File struct {
	Connector ConnectorSection `yaml:"connector" validate:"required"`
	Pipeline  PipelineSection  `yaml:"pipeline" validate:"required"`
	Shutdown  ShutdownSection  `yaml:"shutdown"`
	Sources   []types.Source   `yaml:"sources" validate:"dive"`
}

var validate = validator.New()

// Load reads, decodes, and validates a config file from disk.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Config(fmt.Sprintf("read config file %s", path), err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML bytes. Split out from Load so the
// fsnotify reload path and tests can exercise it without touching disk.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errs.Config("parse config yaml", err)
	}
	applyDefaults(&f)
	if err := validate.Struct(&f); err != nil {
		return nil, errs.Config(describeValidationErrors(err), err)
	}
	for i := range f.Sources {
		if err := validateSource(&f.Sources[i]); err != nil {
			if _, ok := err.(*errs.Error); ok {
				return nil, err
			}
			return nil, errs.Config(describeValidationErrors(err), err)
		}
	}
	return &f, nil
}

// validateSource checks the protocol-specific options block matches the
// declared protocol — validator's dive can't express "exactly one of
// these pointer fields is set and it's the right one".
func validateSource(s *types.Source) error {
	switch s.Protocol {
	case types.ProtocolOPCUA:
		if s.OPCUA == nil {
			return errs.Config(fmt.Sprintf("source %q: protocol opcua requires an opcua block", s.Name), nil)
		}
		return validate.Struct(s.OPCUA)
	case types.ProtocolMQTT:
		if s.MQTT == nil {
			return errs.Config(fmt.Sprintf("source %q: protocol mqtt requires an mqtt block", s.Name), nil)
		}
		return validate.Struct(s.MQTT)
	case types.ProtocolModbus:
		if s.Modbus == nil {
			return errs.Config(fmt.Sprintf("source %q: protocol modbus requires a modbus block", s.Name), nil)
		}
		return validate.Struct(s.Modbus)
	default:
		return errs.Config(fmt.Sprintf("source %q: unrecognized protocol %q", s.Name, s.Protocol), nil)
	}
}

func applyDefaults(f *File) {
	if f.Shutdown.SoftTimeout == 0 {
		f.Shutdown.SoftTimeout = 10 * time.Second
	}
	if f.Shutdown.HardTimeout == 0 {
		f.Shutdown.HardTimeout = 30 * time.Second
	}
	if f.Pipeline.Queue.HighWatermark == 0 {
		f.Pipeline.Queue.HighWatermark = 0.9
	}
	if f.Pipeline.Queue.LowWatermark == 0 {
		f.Pipeline.Queue.LowWatermark = 0.5
	}
	if f.Pipeline.Spool.FsyncEveryN == 0 {
		f.Pipeline.Spool.FsyncEveryN = 50
	}
	if f.Pipeline.Sink.MaxInflightRecords == 0 {
		f.Pipeline.Sink.MaxInflightRecords = 5000
	}
	if f.Pipeline.Sink.RetryBase == 0 {
		f.Pipeline.Sink.RetryBase = 500 * time.Millisecond
	}
	if f.Pipeline.Sink.RetryCap == 0 {
		f.Pipeline.Sink.RetryCap = 30 * time.Second
	}
}

// describeValidationErrors flattens validator's field-error slice into a
// single readable message; the caller still has the original error
// wrapped underneath via errs.Error's Cause for errors.Is-based checks.
func describeValidationErrors(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return "config validation: " + strings.Join(msgs, "; ")
}

// Passphrase resolves the spool encryption passphrase from the env var
// named in the config, never from the file itself.
func (f *File) Passphrase() []byte {
	if f.Pipeline.Spool.PassphraseEnv == "" {
		return nil
	}
	return []byte(os.Getenv(f.Pipeline.Spool.PassphraseEnv))
}

// ClientSecret resolves the sink's OAuth2 client secret from its env var.
func (f *File) ClientSecret() string {
	return os.Getenv(f.Pipeline.Sink.ClientSecretEnv)
}

// QueueConfig translates the YAML section into internal/queue.Config.
func (f *File) QueueConfig() queue.Config {
	q := f.Pipeline.Queue
	return queue.Config{
		MaxSize:       q.MaxSize,
		DropPolicy:    q.DropPolicy,
		SpoolEnabled:  q.SpoolEnabled,
		HighWatermark: q.HighWatermark,
		LowWatermark:  q.LowWatermark,
		DrainInterval: q.DrainInterval,
	}
}

// SpoolConfig translates the YAML section into internal/spool.Config.
func (f *File) SpoolConfig() spool.Config {
	s := f.Pipeline.Spool
	def := spool.DefaultConfig(f.Connector.StateDir)
	cfg := spool.Config{
		Directory:         def.Directory,
		DLQDirectory:      def.DLQDirectory,
		MaxSegmentBytes:   s.MaxSegmentBytes,
		EncryptionEnabled: s.EncryptionEnabled,
		Passphrase:        f.Passphrase(),
		FsyncEveryN:       s.FsyncEveryN,
		FsyncEveryMS:      s.FsyncEveryMS,
	}
	if cfg.MaxSegmentBytes == 0 {
		cfg.MaxSegmentBytes = def.MaxSegmentBytes
	}
	return cfg
}

// BatcherConfig translates the YAML section into internal/batcher.Config.
func (f *File) BatcherConfig() batcher.Config {
	b := f.Pipeline.Batcher
	def := batcher.DefaultConfig()
	return batcher.Config{
		BatchSize:            b.BatchSize,
		BatchMaxAge:          b.BatchMaxAge,
		MaxSendRecordsPerSec: b.MaxSendRecordsPerSec,
		TakeTimeout:          def.TakeTimeout,
	}
}

// SinkConfig translates the YAML section into internal/sink.Config.
func (f *File) SinkConfig() sink.Config {
	s := f.Pipeline.Sink
	return sink.Config{
		Endpoint:           s.Endpoint,
		InsecureSkipVerify: s.InsecureSkipVerify,
		TokenURL:           s.TokenURL,
		ClientID:           s.ClientID,
		ClientSecret:       f.ClientSecret(),
		Scopes:             s.Scopes,
		MaxInflightRecords: s.MaxInflightRecords,
		MaxRetries:         s.MaxRetries,
		RetryBase:          s.RetryBase,
		RetryCap:           s.RetryCap,
		Breaker: breaker.Config{
			FailureThreshold: s.Breaker.FailureThreshold,
			CooldownBase:     s.Breaker.CooldownBase,
			CooldownCap:      s.Breaker.CooldownCap,
		},
	}
}

// TracingConfig translates the YAML section into internal/tracing.Config.
func (f *File) TracingConfig() tracing.Config {
	t := f.Connector.Tracing
	cfg := tracing.DefaultConfig()
	if t.Exporter != "" {
		cfg.Exporter = tracing.Exporter(t.Exporter)
	}
	cfg.OTLPEndpoint = t.OTLPEndpoint
	cfg.OTLPInsecure = t.OTLPInsecure
	return cfg
}

// Watcher reloads a config file on change via fsnotify, validating every
// candidate before handing it to onReload so a bad edit never displaces a
// good running configuration (spec §6's hot-reload note).
type Watcher struct {
	path     string
	mu       sync.Mutex
	current  *File
	onReload func(*File)
	watcher  *fsnotify.Watcher
}

// NewWatcher loads path once, then arms an fsnotify watch on its
// directory (editors typically replace-by-rename, which fsnotify only
// catches if the parent directory itself is watched).
func NewWatcher(path string, onReload func(*File)) (*Watcher, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Config("start config file watcher", err)
	}
	dir := dirOf(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, errs.Config(fmt.Sprintf("watch config directory %s", dir), err)
	}

	return &Watcher{path: path, current: f, onReload: onReload, watcher: fw}, nil
}

// Current returns the most recently validated config file.
func (w *Watcher) Current() *File {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run processes fsnotify events until ctx-independent Close is called;
// callers typically run this in its own goroutine.
func (w *Watcher) Run(logf func(format string, args ...any)) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !sameFile(ev.Name, w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			f, err := Load(w.path)
			if err != nil {
				if logf != nil {
					logf("config reload rejected: %v", err)
				}
				continue
			}
			w.mu.Lock()
			w.current = f
			w.mu.Unlock()
			if w.onReload != nil {
				w.onReload(f)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if logf != nil {
				logf("config watcher error: %v", err)
			}
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func sameFile(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/") || a == b
}
