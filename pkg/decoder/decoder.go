package decoder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/itslive/stac-ingest/pkg/core"
)

// DefaultMaxLineSize bounds a single NDJSON line (16 MiB).
const DefaultMaxLineSize = 16 << 20

// Option configures a Decoder.
type Option func(*Decoder)

// WithCollection sets the collection assigned to items that do not name one.
// Items naming a different collection are rejected.
func WithCollection(id string) Option {
	return func(d *Decoder) {
		d.collection = id
	}
}

// WithMaxLineSize sets the line buffer bound.
func WithMaxLineSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLineSize = n
		}
	}
}

// Decoder reads STAC items from an NDJSON stream.
type Decoder struct {
	scanner     *bufio.Scanner
	collection  string
	maxLineSize int
	line        int
	err         error
}

// New creates a Decoder reading from r.
func New(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{maxLineSize: DefaultMaxLineSize}
	for _, opt := range opts {
		opt(d)
	}

	initial := 64 * 1024
	if initial > d.maxLineSize {
		initial = d.maxLineSize
	}
	d.scanner = bufio.NewScanner(r)
	d.scanner.Buffer(make([]byte, 0, initial), d.maxLineSize)
	return d
}

// Line returns the number of the last line read, starting at 1.
func (d *Decoder) Line() int {
	return d.line
}

// Next returns the next item.
//
// A *core.DecodeError rejects only the current line and Next may be called
// again. At the end of the stream Next returns io.EOF. Any other error is a
// *core.StreamError and every later call returns it again.
func (d *Decoder) Next() (*core.Item, error) {
	if d.err != nil {
		return nil, d.err
	}

	for d.scanner.Scan() {
		d.line++
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return Decode(line, d.line, d.collection)
	}

	if err := d.scanner.Err(); err != nil {
		d.err = &core.StreamError{Line: d.line, Err: err}
	} else {
		d.err = io.EOF
	}
	return nil, d.err
}

type feature struct {
	Type       json.RawMessage            `json:"type"`
	ID         json.RawMessage            `json:"id"`
	Collection json.RawMessage            `json:"collection"`
	Geometry   json.RawMessage            `json:"geometry"`
	BBox       json.RawMessage            `json:"bbox"`
	Properties json.RawMessage            `json:"properties"`
	Assets     map[string]json.RawMessage `json:"assets"`
	Links      []json.RawMessage          `json:"links"`
}

// Decode validates one NDJSON line. lineNo is used only for error reporting.
// collection is the job's collection id and may be empty.
func Decode(line []byte, lineNo int, collection string) (*core.Item, error) {
	fail := func(reason core.DecodeReason, format string, args ...any) (*core.Item, error) {
		return nil, &core.DecodeError{Line: lineNo, Reason: reason, Detail: fmt.Sprintf(format, args...)}
	}

	var f feature
	if err := json.Unmarshal(line, &f); err != nil {
		return fail(core.ReasonMalformedJSON, "%v", err)
	}

	typ, ok := stringValue(f.Type)
	if !ok {
		return fail(core.ReasonMissingField, "type")
	}
	if typ != "Feature" {
		return fail(core.ReasonMissingField, "type must be \"Feature\", got %q", typ)
	}

	id, ok := stringValue(f.ID)
	if !ok || id == "" {
		return fail(core.ReasonMissingField, "id must be a non-empty string")
	}

	if isNull(f.Geometry) {
		return fail(core.ReasonMissingField, "geometry")
	}
	if err := validateGeometry(f.Geometry); err != nil {
		return fail(core.ReasonInvalidGeometry, "%v", err)
	}

	var bbox []float64
	if !isNull(f.BBox) {
		if err := json.Unmarshal(f.BBox, &bbox); err != nil {
			return fail(core.ReasonInvalidBBox, "bbox must be an array of numbers")
		}
		if err := validateBBox(bbox); err != nil {
			return fail(core.ReasonInvalidBBox, "%v", err)
		}
	}

	if isNull(f.Properties) {
		return fail(core.ReasonMissingField, "properties")
	}
	var props map[string]any
	if err := json.Unmarshal(f.Properties, &props); err != nil {
		return fail(core.ReasonMissingField, "properties must be an object")
	}

	item := &core.Item{
		ID:         id,
		Geometry:   append(json.RawMessage(nil), f.Geometry...),
		BBox:       bbox,
		Properties: props,
		Assets:     f.Assets,
		Links:      f.Links,
		Raw:        append(json.RawMessage(nil), line...),
	}

	if de := resolveDatetimes(item, props); de != nil {
		de.Line = lineNo
		return nil, de
	}

	itemCollection := ""
	if !isNull(f.Collection) {
		s, ok := stringValue(f.Collection)
		if !ok {
			return fail(core.ReasonMissingField, "collection must be a string")
		}
		itemCollection = s
	}
	switch {
	case itemCollection != "" && collection != "" && itemCollection != collection:
		return fail(core.ReasonCollectionMismatch, "item collection %q, job collection %q", itemCollection, collection)
	case itemCollection != "":
		item.Collection = itemCollection
	case collection != "":
		item.Collection = collection
	default:
		return fail(core.ReasonMissingField, "collection")
	}

	return item, nil
}

func resolveDatetimes(item *core.Item, props map[string]any) *core.DecodeError {
	parse := func(key string) (*time.Time, bool, *core.DecodeError) {
		v, ok := props[key]
		if !ok || v == nil {
			return nil, false, nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, true, &core.DecodeError{Reason: core.ReasonInvalidDatetime, Detail: key + " must be a string"}
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, true, &core.DecodeError{Reason: core.ReasonInvalidDatetime, Detail: fmt.Sprintf("%s: %q is not RFC 3339", key, s)}
		}
		return &t, true, nil
	}

	dt, _, err := parse("datetime")
	if err != nil {
		return err
	}
	start, hasStart, err := parse("start_datetime")
	if err != nil {
		return err
	}
	end, hasEnd, err := parse("end_datetime")
	if err != nil {
		return err
	}

	if dt == nil && !(hasStart && hasEnd) {
		return &core.DecodeError{Reason: core.ReasonMissingField, Detail: "datetime or start_datetime and end_datetime"}
	}
	if start != nil && end != nil && start.After(*end) {
		return &core.DecodeError{Reason: core.ReasonInvalidDatetime, Detail: "start_datetime is after end_datetime"}
	}

	item.Datetime, item.StartDatetime, item.EndDatetime = dt, start, end
	return nil
}

// validateBBox accepts 2D and 3D boxes. Longitude may wrap across the
// antimeridian, so only latitude and elevation must be ordered.
func validateBBox(b []float64) error {
	switch len(b) {
	case 4:
		if b[1] > b[3] {
			return fmt.Errorf("south %v is greater than north %v", b[1], b[3])
		}
	case 6:
		if b[1] > b[4] {
			return fmt.Errorf("south %v is greater than north %v", b[1], b[4])
		}
		if b[2] > b[5] {
			return fmt.Errorf("minimum elevation %v is greater than maximum %v", b[2], b[5])
		}
	default:
		return fmt.Errorf("bbox must have 4 or 6 numbers, got %d", len(b))
	}
	return nil
}

func stringValue(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
