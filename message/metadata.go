package message

import (
	"bytes"
	"strings"

	"github.com/bytedance/sonic"
)

// Well-known metadata keys.
const (
	MetaDetections      = "detections"
	MetaFeatures        = "features"
	MetaDetectionMethod = "detection_method"
	MetaProcessingMS    = "processing_ms."
)

// ProcessingKey is the metadata key holding a stage's processing time in milliseconds.
func ProcessingKey(stage string) string {
	return MetaProcessingMS + stage
}

// MetaEntry is one metadata key with its JSON-encoded value.
type MetaEntry struct {
	Key   string
	Value []byte
}

// Metadata is an insertion-ordered map of JSON values. The zero value is empty and ready to use.
type Metadata struct {
	entries []MetaEntry
}

// NewMetadata builds metadata from already-encoded entries, keeping their order.
// Later duplicates replace earlier values.
func NewMetadata(entries ...MetaEntry) Metadata {
	var m Metadata
	for _, e := range entries {
		m.SetRaw(e.Key, e.Value)
	}
	return m
}

// Set encodes v as JSON and stores it under key
func (m *Metadata) Set(key string, v any) error {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	m.SetRaw(key, raw)
	return nil
}

// SetRaw stores an already-encoded JSON value under key
func (m *Metadata) SetRaw(key string, raw []byte) {
	for i := range m.entries {
		if m.entries[i].Key == key {
			m.entries[i].Value = raw
			return
		}
	}
	m.entries = append(m.entries, MetaEntry{Key: key, Value: raw})
}

// Get decodes the value under key into out. It reports false if the key is absent.
func (m Metadata) Get(key string, out any) (bool, error) {
	raw, ok := m.Raw(key)
	if !ok {
		return false, nil
	}
	return true, sonic.Unmarshal(raw, out)
}

// Raw returns the encoded value under key
func (m Metadata) Raw(key string) ([]byte, bool) {
	for _, e := range m.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Delete removes key if present
func (m *Metadata) Delete(key string) {
	for i, e := range m.entries {
		if e.Key == key {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

// Keys returns keys in insertion order
func (m Metadata) Keys() []string {
	keys := make([]string, len(m.entries))
	for i, e := range m.entries {
		keys[i] = e.Key
	}
	return keys
}

// Entries returns the entries in insertion order. The slice must not be modified.
func (m Metadata) Entries() []MetaEntry {
	return m.entries
}

func (m Metadata) Len() int {
	return len(m.entries)
}

// ProcessingTimes returns every processing_ms.<stage> entry keyed by stage.
func (m Metadata) ProcessingTimes() map[string]float64 {
	out := make(map[string]float64)
	for _, e := range m.entries {
		stage, ok := strings.CutPrefix(e.Key, MetaProcessingMS)
		if !ok {
			continue
		}
		var ms float64
		if sonic.Unmarshal(e.Value, &ms) == nil {
			out[stage] = ms
		}
	}
	return out
}

// Equal compares keys, order and encoded values
func (m Metadata) Equal(o Metadata) bool {
	if len(m.entries) != len(o.entries) {
		return false
	}
	for i := range m.entries {
		if m.entries[i].Key != o.entries[i].Key || !bytes.Equal(m.entries[i].Value, o.entries[i].Value) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy
func (m Metadata) Clone() Metadata {
	out := Metadata{entries: make([]MetaEntry, len(m.entries))}
	for i, e := range m.entries {
		out.entries[i] = MetaEntry{Key: e.Key, Value: bytes.Clone(e.Value)}
	}
	return out
}
