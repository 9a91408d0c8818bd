package spool

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/otbridge/connector/internal/types"
)

// segMetaKey is the bbolt key for a source's next-sequence bookkeeping.
func segMetaKey(source string) []byte { return []byte("next_seq:" + source) }

func (s *Spool) nextSeq(source string) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSegments)
		key := segMetaKey(source)
		cur := b.Get(key)
		if cur != nil {
			seq = binary.BigEndian.Uint64(cur) + 1
		} else {
			seq = 1
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, seq)
		return b.Put(key, buf)
	})
	return seq, err
}

func (s *Spool) writerFor(set map[string]*segmentWriter, dir, source string) (*segmentWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := set[source]; ok {
		return w, nil
	}

	srcDir := sourceDir(dir, source)
	if err := os.MkdirAll(srcDir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create source dir: %w", err)
	}

	seq, err := s.nextSeq(source)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(segmentPath(srcDir, seq), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("spool: open segment: %w", err)
	}
	info, _ := f.Stat()
	w := &segmentWriter{file: f, seq: seq}
	if info != nil {
		w.offset = info.Size()
	}
	set[source] = w
	return w, nil
}

// rotate closes the current segment and opens the next sequence number if
// the segment has grown past MaxSegmentBytes.
func (s *Spool) rotateIfNeeded(set map[string]*segmentWriter, dir, source string, w *segmentWriter) (*segmentWriter, error) {
	if w.offset < s.cfg.MaxSegmentBytes {
		return w, nil
	}
	w.file.Close()

	s.mu.Lock()
	delete(set, source)
	s.mu.Unlock()

	return s.writerFor(set, dir, source)
}

// Write appends one record to the source's current spool segment,
// fsyncing every FsyncEveryN writes and rotating past MaxSegmentBytes.
// FsyncEveryMS is not consulted; there is no time-based fsync.
func (s *Spool) Write(source string, rec *types.ProtocolRecord) error {
	w, err := s.writerFor(s.writers, s.cfg.Directory, source)
	if err != nil {
		return err
	}

	payload, err := s.encode(rec)
	if err != nil {
		return err
	}

	w.mu.Lock()
	n, err := writeFrame(w.file, payload)
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("spool: append record: %w", err)
	}
	w.offset += int64(n)
	w.unsynced++
	shouldSync := w.unsynced >= s.cfg.FsyncEveryN
	if shouldSync {
		w.unsynced = 0
	}
	w.mu.Unlock()

	if shouldSync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("spool: fsync: %w", err)
		}
	}

	if next, err := s.rotateIfNeeded(s.writers, s.cfg.Directory, source, w); err == nil {
		s.mu.Lock()
		s.writers[source] = next
		s.mu.Unlock()
	}
	return nil
}

// WriteDLQ appends a permanently rejected record to the parallel DLQ
// directory, with the rejection reason folded into its metadata.
func (s *Spool) WriteDLQ(source, reason string, rec *types.ProtocolRecord) error {
	cp := *rec
	meta := make(map[string]string, len(rec.Metadata)+1)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta["dlq_reason"] = reason
	cp.Metadata = meta

	w, err := s.writerFor(s.dlqWriters, s.cfg.DLQDirectory, source)
	if err != nil {
		return err
	}
	payload, err := s.encode(&cp)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := writeFrame(w.file, payload)
	if err != nil {
		return fmt.Errorf("spool: append dlq record: %w", err)
	}
	w.offset += int64(n)
	return w.file.Sync()
}

// listSegments returns segment sequence numbers for a source, ascending.
func listSegments(dir, source string) ([]uint64, error) {
	srcDir := sourceDir(dir, source)
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var segs []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".seg") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".seg"), 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, n)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

// Drain reads up to max records from source's spool in (segment, offset)
// order, starting after any records an earlier commit already covered. The
// returned commit function deletes fully-consumed segments and records how
// far a partly consumed segment was read — callers must invoke it only
// after the records have been durably
// reinjected into the queue (or, for the DLQ-equivalent sink ack path,
// after the sink has acknowledged them).
func (s *Spool) Drain(source string, max int) ([]*types.ProtocolRecord, func() error, error) {
	segs, err := listSegments(s.cfg.Directory, source)
	if err != nil || len(segs) == 0 {
		return nil, nil, err
	}

	var out []*types.ProtocolRecord
	var fullyConsumed []uint64
	var partialSeq, partialOff = uint64(0), int64(0)
	srcDir := sourceDir(s.cfg.Directory, source)

	for _, seq := range segs {
		if len(out) >= max {
			break
		}
		path := segmentPath(srcDir, seq)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		_ = s.db.View(func(tx *bolt.Tx) error {
			if v := tx.Bucket(bucketSegments).Get([]byte(fmt.Sprintf("read_off:%s:%d", source, seq))); v != nil {
				_, _ = f.Seek(int64(binary.BigEndian.Uint64(v)), io.SeekStart)
			}
			return nil
		})
		pos, _ := f.Seek(0, io.SeekCurrent)
		consumedAll := true
		for len(out) < max {
			payload, err := readFrame(f)
			if err != nil && err != errCorruptFrame {
				break
			}
			pos += int64(8 + len(payload))
			if err == errCorruptFrame {
				// Stream position is still valid; only this record is
				// bad. Skip it and keep draining.
				continue
			}
			fields, err := s.decode(payload)
			if err != nil {
				// Corrupted frame: skip it, never stop the drain.
				continue
			}
			rec := recordFromPayload(source, fields)
			out = append(out, rec)
		}
		// Peek: if another frame remains, this segment was not fully
		// consumed this round.
		if _, err := readFrame(f); err == nil || err == errCorruptFrame {
			consumedAll = false
		}
		f.Close()
		if consumedAll {
			fullyConsumed = append(fullyConsumed, seq)
		} else {
			partialSeq, partialOff = seq, pos
			break // preserve strict (segment, offset) ordering across rounds
		}
	}

	commit := func() error {
		for _, seq := range fullyConsumed {
			if err := os.Remove(segmentPath(srcDir, seq)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		if partialSeq != 0 {
			return s.db.Update(func(tx *bolt.Tx) error {
				return tx.Bucket(bucketSegments).Put([]byte(fmt.Sprintf("read_off:%s:%d", source, partialSeq)), binary.BigEndian.AppendUint64(nil, uint64(partialOff)))
			})
		}
		return nil
	}
	return out, commit, nil
}

// Depth reports the total bytes currently spooled for a source.
func (s *Spool) Depth(source string) (int, error) {
	segs, err := listSegments(s.cfg.Directory, source)
	if err != nil {
		return 0, err
	}
	var total int64
	srcDir := sourceDir(s.cfg.Directory, source)
	for _, seq := range segs {
		if info, err := os.Stat(segmentPath(srcDir, seq)); err == nil {
			total += info.Size()
		}
	}
	return int(total), nil
}

func recordFromPayload(source string, p map[string]any) *types.ProtocolRecord {
	rec := &types.ProtocolRecord{
		SourceName: source,
	}
	if v, ok := p["event_time"].(float64); ok {
		rec.EventTimeUS = int64(v)
	}
	if v, ok := p["ingest_time"].(float64); ok {
		rec.IngestTimeUS = int64(v)
	}
	if v, ok := p["endpoint"].(string); ok {
		rec.Endpoint = v
	}
	if v, ok := p["protocol_type"].(string); ok {
		rec.ProtocolKind = types.ProtocolKind(v)
	}
	if v, ok := p["topic_or_path"].(string); ok {
		rec.TopicOrPath = v
	}
	if v, ok := p["value_type"].(string); ok {
		rec.ValueType = types.ValueType(v)
	}
	if v, ok := p["value"].(string); ok {
		rec.Value = types.NewStringValue(v)
	}
	if v, ok := p["value_num"].(float64); ok {
		rec.ValueNum = &v
	}
	if v, ok := p["status_code"].(float64); ok {
		rec.StatusCode = int32(v)
	}
	if v, ok := p["status"].(string); ok {
		rec.Status = v
	}
	meta := map[string]string{}
	if m, ok := p["metadata"].(map[string]any); ok {
		for k, v := range m {
			meta[k] = fmt.Sprintf("%v", v)
		}
	} else if m, ok := p["metadata"].(map[string]string); ok {
		for k, v := range m {
			meta[k] = v
		}
	}
	rec.Metadata = meta
	return rec
}
