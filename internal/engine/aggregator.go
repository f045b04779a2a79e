package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Totals are the running counters of a scan session.
type Totals struct {
	Resources   int64 `json:"resources"`
	Directories int64 `json:"directories"`
	Files       int64 `json:"files"`
	Bytes       int64 `json:"bytes_scanned"`
}

// progressRecord is the wire shape of a scan progress event. Every field is
// required; uint64 makes the decoder reject negative numbers.
type progressRecord struct {
	Resources   *uint64 `json:"resources"`
	Directories *uint64 `json:"directories"`
	Files       *uint64 `json:"files"`
	Size        *uint64 `json:"size"`
}

// Aggregator folds progress payloads into running totals and keeps the raw
// payloads that were accepted.
type Aggregator struct {
	totals Totals
	log    []string
}

// Apply decodes payload and adds it to the totals. A payload that fails to
// decode leaves the totals and the log untouched and returns a *ParseError.
func (a *Aggregator) Apply(payload []byte) error {
	rec, err := decodeProgress(payload)
	if err != nil {
		return &ParseError{Kind: EventScanProgress, Payload: string(payload), Err: err}
	}

	next := a.totals
	for _, f := range []struct {
		dst *int64
		add uint64
	}{
		{&next.Resources, *rec.Resources},
		{&next.Directories, *rec.Directories},
		{&next.Files, *rec.Files},
		{&next.Bytes, *rec.Size},
	} {
		if f.add > math.MaxInt64 || *f.dst > math.MaxInt64-int64(f.add) {
			return &ParseError{Kind: EventScanProgress, Payload: string(payload), Err: errors.New("counter overflow")}
		}
		*f.dst += int64(f.add)
	}

	a.totals = next
	a.log = append(a.log, string(payload))
	return nil
}

// Totals returns the current counters.
func (a *Aggregator) Totals() Totals {
	return a.totals
}

// Len returns the number of accepted payloads.
func (a *Aggregator) Len() int {
	return len(a.log)
}

// Log returns a copy of the accepted payloads starting at offset.
func (a *Aggregator) Log(offset int) []string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(a.log) {
		return []string{}
	}
	out := make([]string, len(a.log)-offset)
	copy(out, a.log[offset:])
	return out
}

// Reset zeroes the counters and empties the log.
func (a *Aggregator) Reset() {
	a.totals = Totals{}
	a.log = nil
}

func decodeProgress(payload []byte) (*progressRecord, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("expected a JSON object")
	}

	var rec progressRecord
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, err
	}

	switch {
	case rec.Resources == nil:
		return nil, fmt.Errorf("missing field %q", "resources")
	case rec.Directories == nil:
		return nil, fmt.Errorf("missing field %q", "directories")
	case rec.Files == nil:
		return nil, fmt.Errorf("missing field %q", "files")
	case rec.Size == nil:
		return nil, fmt.Errorf("missing field %q", "size")
	}
	return &rec, nil
}
