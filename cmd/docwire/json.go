package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vango-dev/docwire/pkg/protocol"
)

// JSON has no timestamp, geopoint or reference type, so the CLI spells them
// as single-key objects:
//
//	{"$timestamp": "2024-03-09T16:30:12.345Z"}
//	{"$geopoint": [37.42, -122.08]}
//	{"$ref": "users/alice"}
const (
	keyTimestamp = "$timestamp"
	keyGeoPoint  = "$geopoint"
	keyRef       = "$ref"
)

// parseDocument decodes a JSON object into document data. Integral numbers
// become int64 and others float64.
func parseDocument(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON: trailing data")
	}
	v, err := fromJSON(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document must be a JSON object, got %T", v)
	}
	return m, nil
}

func fromJSON(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		return x.Float64()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			c, err := fromJSON(e)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		if len(x) == 1 {
			if special, ok, err := fromSpecial(x); ok || err != nil {
				return special, err
			}
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			c, err := fromJSON(e)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

func fromSpecial(m map[string]any) (any, bool, error) {
	if s, ok := m[keyTimestamp]; ok {
		str, _ := s.(string)
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return nil, true, fmt.Errorf("%s: %w", keyTimestamp, err)
		}
		return t, true, nil
	}
	if p, ok := m[keyRef]; ok {
		str, isStr := p.(string)
		if !isStr || str == "" {
			return nil, true, fmt.Errorf("%s must be a non-empty string", keyRef)
		}
		return protocol.DocumentPath(str), true, nil
	}
	if g, ok := m[keyGeoPoint]; ok {
		pair, _ := g.([]any)
		if len(pair) != 2 {
			return nil, true, fmt.Errorf("%s must be [latitude, longitude]", keyGeoPoint)
		}
		var coords [2]float64
		for i, e := range pair {
			n, isNum := e.(json.Number)
			if !isNum {
				return nil, true, fmt.Errorf("%s must be [latitude, longitude]", keyGeoPoint)
			}
			f, err := n.Float64()
			if err != nil {
				return nil, true, fmt.Errorf("%s: %w", keyGeoPoint, err)
			}
			coords[i] = f
		}
		return protocol.GeoPoint{Latitude: coords[0], Longitude: coords[1]}, true, nil
	}
	return nil, false, nil
}

// toJSON rewrites decoded values so encoding/json prints them in the form
// parseDocument reads back.
func toJSON(v any) any {
	switch x := v.(type) {
	case time.Time:
		return map[string]any{keyTimestamp: x.UTC().Format(time.RFC3339Nano)}
	case protocol.GeoPoint:
		return map[string]any{keyGeoPoint: []any{x.Latitude, x.Longitude}}
	case protocol.DocumentReference:
		return map[string]any{keyRef: x.Path()}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = toJSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = toJSON(e)
		}
		return out
	default:
		return v
	}
}
