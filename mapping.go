package postalregion

import (
	"errors"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MappingEntry associates a normalized postal code with a region.
type MappingEntry struct {
	RegionID   int     `json:"region_id"`
	DistanceKm float64 `json:"distance_km"`
}

// Mapping is the postal-code lookup table. It keeps keys in the order they
// were added, which is the order suggestions are returned in.
type Mapping struct {
	keys    []string
	entries map[string]MappingEntry
}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{entries: make(map[string]MappingEntry)}
}

// Len returns the number of codes in the mapping.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Get returns the entry stored for an already normalized code.
func (m *Mapping) Get(code string) (MappingEntry, bool) {
	if m == nil {
		return MappingEntry{}, false
	}
	e, ok := m.entries[code]
	return e, ok
}

// Add stores an entry unless the code is already present, and reports
// whether it was stored. The first writer of a code wins.
func (m *Mapping) Add(code string, e MappingEntry) bool {
	if _, ok := m.entries[code]; ok {
		return false
	}
	m.keys = append(m.keys, code)
	m.entries[code] = e
	return true
}

// Keys returns the codes in insertion order.
func (m *Mapping) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// ReadMapping decodes a JSON object of code -> {region_id, distance_km},
// preserving the key order of the document. Later duplicates of a key
// replace the earlier value but keep its position, as a JSON object would.
// Null values are skipped.
func ReadMapping(r io.Reader) (*Mapping, error) {
	m := NewMapping()
	iter := jsoniter.Parse(json, r, 4096)

	if iter.WhatIsNext() != jsoniter.ObjectValue {
		if iter.Error != nil {
			return nil, iter.Error
		}
		return nil, errNotObject
	}

	iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		// A null entry is no entry; the code resolves through the fallback.
		if it.ReadNil() {
			return true
		}
		var e MappingEntry
		it.ReadVal(&e)
		if it.Error != nil {
			return false
		}
		if _, ok := m.entries[key]; !ok {
			m.keys = append(m.keys, key)
		}
		m.entries[key] = e
		return true
	})
	// A complete object never reads past its closing brace, so io.EOF here
	// means the payload was truncated.
	if iter.Error != nil {
		return nil, iter.Error
	}
	return m, nil
}

var errNotObject = errors.New("mapping must be a JSON object")

// WriteJSON encodes the mapping as a JSON object in key order.
func (m *Mapping) WriteJSON(w io.Writer) error {
	stream := json.BorrowStream(w)
	defer json.ReturnStream(stream)

	stream.WriteObjectStart()
	for i, k := range m.keys {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(k)
		stream.WriteVal(m.entries[k])
	}
	stream.WriteObjectEnd()
	stream.WriteRaw("\n")
	if stream.Error != nil {
		return stream.Error
	}
	return stream.Flush()
}
