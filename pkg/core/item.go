package core

import (
	"encoding/json"
	"time"
)

// Item is one decoded STAC item destined for the catalog.
// Items live only between decoding and batch submission.
type Item struct {
	ID            string
	Collection    string
	Geometry      json.RawMessage
	BBox          []float64
	Datetime      *time.Time
	StartDatetime *time.Time
	EndDatetime   *time.Time
	Properties    map[string]any
	Assets        map[string]json.RawMessage
	Links         []json.RawMessage

	// Raw is the source line, stored verbatim by the catalog.
	Raw json.RawMessage
}

// Interval returns the item's temporal extent. Single-instant items return
// the same time twice.
func (it *Item) Interval() (start, end time.Time) {
	if it.Datetime != nil {
		start, end = *it.Datetime, *it.Datetime
	}
	if it.StartDatetime != nil {
		start = *it.StartDatetime
	}
	if it.EndDatetime != nil {
		end = *it.EndDatetime
	}
	return start, end
}
