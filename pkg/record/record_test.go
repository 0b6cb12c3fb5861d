package record

import (
	"strings"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "events", want: KindEvents},
		{in: "profiles", want: KindProfiles},
		{in: "funnels", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseKind(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKind(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewEvent_UsesInsertID(t *testing.T) {
	r := NewEvent("Signup", map[string]any{
		PropInsertID:   "abc-1",
		PropDistinctID: "user-7",
		PropTime:       float64(1704067200),
	})

	if r.Key != "abc-1" {
		t.Errorf("Key = %q, want abc-1", r.Key)
	}
	if r.DistinctID != "user-7" {
		t.Errorf("DistinctID = %q, want user-7", r.DistinctID)
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !r.Time.Equal(want) {
		t.Errorf("Time = %v, want %v", r.Time, want)
	}
}

func TestNewEvent_MillisecondTime(t *testing.T) {
	r := NewEvent("Login", map[string]any{PropTime: float64(1704067200123)})
	if r.Time.UnixMilli() != 1704067200123 {
		t.Errorf("Time = %v, want ms precision", r.Time)
	}
}

func TestSyntheticKey_StableAcrossMapOrder(t *testing.T) {
	ts := time.Unix(1704067200, 0)
	a := SyntheticKey("Click", ts, "u1", map[string]any{"a": 1.0, "b": "x", "c": true})
	b := SyntheticKey("Click", ts, "u1", map[string]any{"c": true, "b": "x", "a": 1.0})

	if a != b {
		t.Errorf("keys differ for identical properties: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "syn-") {
		t.Errorf("synthetic key %q missing prefix", a)
	}

	c := SyntheticKey("Click", ts, "u2", map[string]any{"a": 1.0, "b": "x", "c": true})
	if a == c {
		t.Error("different distinct ids produced the same key")
	}
}

func TestNewEvent_WithoutInsertIDIsDeterministic(t *testing.T) {
	props := func() map[string]any {
		return map[string]any{PropDistinctID: "u1", PropTime: float64(1704067200), "plan": "pro"}
	}
	first := NewEvent("Upgrade", props())
	second := NewEvent("Upgrade", props())

	if first.Key != second.Key {
		t.Errorf("keys differ: %q vs %q", first.Key, second.Key)
	}
}

func TestNewProfile(t *testing.T) {
	r := NewProfile("user-1", map[string]any{PropLastSeen: "2024-03-05T10:11:12", "$email": "a@b.c"})

	if r.Key != "user-1" || r.DistinctID != "user-1" {
		t.Errorf("unexpected identity: %+v", r)
	}
	want := time.Date(2024, 3, 5, 10, 11, 12, 0, time.UTC)
	if !r.Time.Equal(want) {
		t.Errorf("Time = %v, want %v", r.Time, want)
	}
	if r.Name != "" {
		t.Errorf("profile Name = %q, want empty", r.Name)
	}
}
