// Package spool implements the on-disk overflow area (spec §4.4, §6): an
// append-only sequence of segments per source, encrypted at rest with a
// key derived via PBKDF2-HMAC-SHA256 from a master passphrase and a
// per-installation salt file. This follows spec's "arena-of-segments"
// design note: plain files addressed by (source, segment#, offset), no
// mmap'd ring, no intrusive pointers. Small pieces of bookkeeping metadata
// (per-source segment sequence counters and drain read offsets, and the
// Thing Description cache) live in bbolt buckets the way the
// teacher's pkg/storage/boltdb.go keeps cluster state, while the bulk
// record bytes stay in flat files.
package spool

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/otbridge/connector/internal/types"
)

const (
	saltFileName   = "salt"
	saltSize       = 32
	pbkdf2Iters    = 200_000
	maxSegmentSize = 100 * 1 << 20 // 100 MB default
)

var bucketSegments = []byte("spool_segments")
var bucketThingConfigs = []byte("thingconfigs")

// Config holds spool configuration from the pipeline's spool section.
type Config struct {
	Directory         string
	DLQDirectory       string
	MaxSegmentBytes   int64
	EncryptionEnabled bool
	Passphrase        []byte // from an env var the operator configures
	FsyncEveryN       int
	FsyncEveryMS      int
}

func DefaultConfig(stateDir string) Config {
	return Config{
		Directory:         filepath.Join(stateDir, "spool"),
		DLQDirectory:       filepath.Join(stateDir, "dlq"),
		MaxSegmentBytes:   maxSegmentSize,
		EncryptionEnabled: true,
		FsyncEveryN:       50,
		FsyncEveryMS:      200,
	}
}

// segmentWriter is the live append target for one source.
type segmentWriter struct {
	mu       sync.Mutex
	file     *os.File
	seq      uint64
	offset   int64
	unsynced int
}

// Spool owns per-source writers, a shared bbolt handle for segment
// bookkeeping, and the AEAD cipher derived from the master passphrase.
type Spool struct {
	cfg Config
	aead cipher.AEAD // nil when encryption disabled

	db *bolt.DB

	mu      sync.Mutex
	writers map[string]*segmentWriter
	dlqWriters map[string]*segmentWriter

	instanceID string
}

// Open prepares the spool and DLQ directories, derives the encryption key
// from the salt file (creating one with mode 0600 if absent), and opens
// the bbolt bookkeeping database.
func Open(cfg Config, instanceID string) (*Spool, error) {
	if err := os.MkdirAll(cfg.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create spool dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DLQDirectory, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create dlq dir: %w", err)
	}

	s := &Spool{
		cfg:        cfg,
		writers:    map[string]*segmentWriter{},
		dlqWriters: map[string]*segmentWriter{},
		instanceID: instanceID,
	}

	if cfg.EncryptionEnabled {
		key, err := deriveKey(filepath.Dir(cfg.Directory), cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("spool: init cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("spool: init gcm: %w", err)
		}
		s.aead = aead
	}

	dbPath := filepath.Join(filepath.Dir(cfg.Directory), "spool_meta.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("spool: open meta db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSegments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketThingConfigs)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	s.db = db

	return s, nil
}

// deriveKey reads (or creates) the per-installation salt file and derives
// a 32-byte AES-256 key from the passphrase via PBKDF2-HMAC-SHA256. The
// key never leaves process memory beyond this call's return value.
func deriveKey(stateDir string, passphrase []byte) ([]byte, error) {
	saltPath := filepath.Join(stateDir, saltFileName)
	salt, err := os.ReadFile(saltPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("spool: read salt: %w", err)
		}
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("spool: generate salt: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("spool: write salt: %w", err)
		}
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("spool: encryption enabled but no passphrase provided")
	}
	return pbkdf2.Key(passphrase, salt, pbkdf2Iters, 32, sha256.New), nil
}

// ThingConfigGet returns the cached Thing Description config for tdURL, if
// one was previously stored with ThingConfigPut; entries never expire.
func (s *Spool) ThingConfigGet(tdURL string) (*types.ThingConfig, bool) {
	var cfg types.ThingConfig
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketThingConfigs).Get([]byte(tdURL))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &cfg); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found {
		return nil, false
	}
	return &cfg, true
}

// ThingConfigPut caches a parsed Thing Description config under its
// source URL.
func (s *Spool) ThingConfigPut(tdURL string, cfg *types.ThingConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("spool: marshal thing config: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketThingConfigs).Put([]byte(tdURL), data)
	})
}

func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.writers {
		w.file.Close()
	}
	for _, w := range s.dlqWriters {
		w.file.Close()
	}
	return s.db.Close()
}

// segRecord is the on-disk record envelope, pre-encryption.
type segRecord struct {
	InstanceID string         `json:"instance_id"`
	Payload    map[string]any `json:"payload"`
}

// encode serializes and optionally encrypts one record for append.
func (s *Spool) encode(rec *types.ProtocolRecord) ([]byte, error) {
	env := segRecord{InstanceID: s.instanceID, Payload: rec.ToPayload()}
	plain, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if s.aead == nil {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, s.aead.Seal(nil, nonce, plain, nil)...), nil
}

func (s *Spool) decode(blob []byte) (map[string]any, error) {
	plain := blob
	if s.aead != nil {
		ns := s.aead.NonceSize()
		if len(blob) < ns {
			return nil, fmt.Errorf("spool: truncated record")
		}
		nonce, ct := blob[:ns], blob[ns:]
		p, err := s.aead.Open(nil, nonce, ct, nil)
		if err != nil {
			return nil, fmt.Errorf("spool: decrypt: %w", err)
		}
		plain = p
	}
	var env segRecord
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("spool: decode: %w", err)
	}
	return env.Payload, nil
}

func sourceDir(base, source string) string {
	return filepath.Join(base, source)
}

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.seg", seq))
}

// frame is length-prefixed: [4-byte length][4-byte crc32][payload].
func writeFrame(w io.Writer, payload []byte) (int, error) {
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	n1, err := w.Write(header[:])
	if err != nil {
		return n1, err
	}
	n2, err := w.Write(payload)
	return n1 + n2, err
}

// errCorruptFrame signals a checksum mismatch on an otherwise well-formed
// frame: the stream position is still valid, only this record is bad.
var errCorruptFrame = fmt.Errorf("spool: frame checksum mismatch (corruption)")

// readFrame reads one frame. A non-nil, non-errCorruptFrame error means
// end of stream or a malformed length prefix — the caller should stop.
// errCorruptFrame means the caller can keep reading at the next frame.
func readFrame(r io.Reader) ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	want := binary.BigEndian.Uint32(header[4:8])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != want {
		return payload, errCorruptFrame
	}
	return payload, nil
}
