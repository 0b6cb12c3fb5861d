// Package record defines the normalized rows produced by the remote API
// client and committed by the ingest sink.
package record

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
)

// Kind is the entity kind of a fetch.
type Kind string

const (
	// KindEvents are time-stamped events keyed by insert id.
	KindEvents Kind = "events"

	// KindProfiles are user profiles keyed by distinct id.
	KindProfiles Kind = "profiles"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindEvents || k == KindProfiles
}

// ParseKind converts a user-supplied string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q (want %q or %q)", s, KindEvents, KindProfiles)
	}
	return k, nil
}

// Record is one normalized event or profile row.
type Record struct {
	// Key is the stable identity key used for deduplication.
	// Events: $insert_id (or a synthesized hash). Profiles: $distinct_id.
	Key string

	// Name is the event name. Empty for profiles.
	Name string

	// DistinctID identifies the user the record belongs to.
	DistinctID string

	// Time is the event time, or the profile's last-seen time when known.
	Time time.Time

	// Properties holds the remaining attributes as decoded JSON.
	Properties map[string]any
}

// Property keys with special meaning.
const (
	PropInsertID   = "$insert_id"
	PropDistinctID = "distinct_id"
	PropTime       = "time"
	PropLastSeen   = "$last_seen"
)

// NewEvent normalizes a raw exported event.
func NewEvent(name string, props map[string]any) Record {
	if props == nil {
		props = map[string]any{}
	}
	r := Record{
		Name:       name,
		DistinctID: stringProp(props, PropDistinctID),
		Time:       timeProp(props[PropTime]),
		Properties: props,
	}
	r.Key = stringProp(props, PropInsertID)
	if r.Key == "" {
		r.Key = SyntheticKey(name, r.Time, r.DistinctID, props)
	}
	return r
}

// NewProfile normalizes a raw engage result.
func NewProfile(distinctID string, props map[string]any) Record {
	if props == nil {
		props = map[string]any{}
	}
	r := Record{
		Key:        distinctID,
		DistinctID: distinctID,
		Properties: props,
	}
	if raw, ok := props[PropLastSeen].(string); ok {
		if t, err := time.Parse("2006-01-02T15:04:05", raw); err == nil {
			r.Time = t.UTC()
		}
	}
	return r
}

// SyntheticKey derives an identity key for events exported without an
// insert id. Properties are hashed in sorted key order so the key does not
// depend on map iteration.
func SyntheticKey(name string, t time.Time, distinctID string, props map[string]any) string {
	h := xxhash.New()
	_, _ = h.WriteString(name)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(strconv.FormatInt(t.UnixMilli(), 10))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(distinctID)

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		v, err := json.Marshal(props[k])
		if err != nil {
			v = []byte(fmt.Sprint(props[k]))
		}
		_, _ = h.Write(v)
	}
	return "syn-" + strconv.FormatUint(h.Sum64(), 16)
}

func stringProp(props map[string]any, key string) string {
	switch v := props[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// timeProp accepts unix seconds or unix milliseconds.
func timeProp(v any) time.Time {
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case int64:
		n = float64(t)
	case int:
		n = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}
		}
		n = f
	default:
		return time.Time{}
	}
	if n > 1e11 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
