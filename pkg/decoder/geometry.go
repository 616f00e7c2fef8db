package decoder

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// maxCollectionDepth bounds nested GeometryCollections.
const maxCollectionDepth = 8

// validateGeometry parses raw as a GeoJSON geometry and applies the checks
// the catalog relies on: line and ring lengths, closed rings and bounded
// collection nesting.
func validateGeometry(raw json.RawMessage) error {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return fmt.Errorf("geometry: %v", err)
	}
	if g.Type == "" {
		return errors.New("geometry type is missing")
	}

	// orb keeps x and y only, so arity has to be read from the source.
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return errors.New("geometry must be an object")
	}
	if err := checkArity(tree); err != nil {
		return err
	}

	return checkShape(g.Geometry(), 0)
}

func checkShape(g orb.Geometry, depth int) error {
	switch g := g.(type) {
	case nil:
		return errors.New("geometry has no coordinates")

	case orb.Point, orb.MultiPoint:
		return nil

	case orb.LineString:
		return checkLine(g)

	case orb.MultiLineString:
		for _, ls := range g {
			if err := checkLine(ls); err != nil {
				return err
			}
		}
		return nil

	case orb.Polygon:
		return checkPolygon(g)

	case orb.MultiPolygon:
		for _, p := range g {
			if err := checkPolygon(p); err != nil {
				return err
			}
		}
		return nil

	case orb.Collection:
		if depth >= maxCollectionDepth {
			return errors.New("geometry collections nested too deeply")
		}
		for _, child := range g {
			if err := checkShape(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported geometry %s", g.GeoJSONType())
}

func checkLine(ls orb.LineString) error {
	if len(ls) < 2 {
		return fmt.Errorf("need at least 2 positions, got %d", len(ls))
	}
	return nil
}

func checkPolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return errors.New("polygon has no rings")
	}
	for _, ring := range p {
		if len(ring) < 4 {
			return fmt.Errorf("need at least 4 positions, got %d", len(ring))
		}
		if !ring.Closed() {
			return errors.New("ring is not closed")
		}
	}
	return nil
}

// checkArity walks decoded GeoJSON and rejects positions that do not carry
// 2 or 3 numbers.
func checkArity(v any) error {
	switch t := v.(type) {
	case map[string]any:
		if t["type"] == "Point" {
			pos, _ := t["coordinates"].([]any)
			if err := checkPosition(pos); err != nil {
				return err
			}
		} else if err := checkArity(t["coordinates"]); err != nil {
			return err
		}
		children, _ := t["geometries"].([]any)
		for _, child := range children {
			if err := checkArity(child); err != nil {
				return err
			}
		}

	case []any:
		if len(t) > 0 {
			if _, ok := t[0].(float64); ok {
				return checkPosition(t)
			}
		}
		for _, e := range t {
			if err := checkArity(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkPosition(p []any) error {
	if len(p) < 2 || len(p) > 3 {
		return fmt.Errorf("position must have 2 or 3 numbers, got %d", len(p))
	}
	return nil
}
