package filters

import (
	"testing"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
)

func TestParseMark(t *testing.T) {
	tests := []struct {
		value   string
		wantOK  bool
		message string
		op      string
		due     time.Time
	}{
		{
			value:  "terminate@2023-01-01",
			wantOK: true,
			op:     "terminate",
			due:    time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			value:   "Resource does not meet policy: stop@2023/03/15",
			wantOK:  true,
			message: "Resource does not meet policy",
			op:      "stop",
			due:     time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			value:   "expired: delete@2023-03-15T10:30:00Z",
			wantOK:  true,
			message: "expired",
			op:      "delete",
			due:     time.Date(2023, 3, 15, 10, 30, 0, 0, time.UTC),
		},
		{value: "terminate", wantOK: false},
		{value: "terminate@", wantOK: false},
		{value: "@2023-01-01", wantOK: false},
		{value: "terminate@someday", wantOK: false},
		{value: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			m, ok := ParseMark(tt.value)
			if ok != tt.wantOK {
				t.Fatalf("ParseMark(%q) ok = %v, want %v", tt.value, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if m.Message != tt.message || m.Op != tt.op || !m.Due.Equal(tt.due) {
				t.Errorf("ParseMark(%q) = %+v", tt.value, m)
			}
		})
	}
}

func TestMark_StringRoundTrip(t *testing.T) {
	m := Mark{Message: "idle instance", Op: "stop", Due: time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC)}
	encoded := m.String()
	if encoded != "idle instance: stop@2024/07/04" {
		t.Fatalf("String() = %q", encoded)
	}
	parsed, ok := ParseMark(encoded)
	if !ok || parsed.Message != m.Message || parsed.Op != m.Op || !parsed.Due.Equal(m.Due) {
		t.Errorf("round trip = %+v, %v", parsed, ok)
	}
}

func TestFormatMarkDue(t *testing.T) {
	tests := []struct {
		due  time.Time
		want string
	}{
		{time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "2024/06/01"},
		{time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC), "2024/06/01 1800 UTC"},
		{time.Date(2024, 6, 1, 18, 0, 30, 0, time.UTC), "2024/06/01 1801 UTC"},
		{time.Date(2024, 6, 1, 20, 0, 0, 0, time.FixedZone("CEST", 2*3600)), "2024/06/01 1800 UTC"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatMarkDue(tt.due)
			if got != tt.want {
				t.Fatalf("FormatMarkDue(%s) = %q, want %q", tt.due, got, tt.want)
			}
			m, ok := ParseMark("stop@" + got)
			if !ok {
				t.Fatalf("ParseMark(%q) failed", got)
			}
			if m.Due.Before(tt.due) {
				t.Errorf("parsed due %s is before %s", m.Due, tt.due)
			}
		})
	}
}

func TestMarkedForOpFilter(t *testing.T) {
	tagged := func(value string) engine.Record {
		return engine.Record{
			"InstanceId": "i-1",
			"Tags": []interface{}{
				map[string]interface{}{"Key": DefaultMarkTag, "Value": value},
			},
		}
	}
	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	tests := []struct {
		name   string
		params map[string]interface{}
		record engine.Record
		now    time.Time
		want   bool
	}{
		{"due date passed", nil, tagged("terminate@2023-01-01"), day(2023, 1, 2), true},
		{"due today", nil, tagged("terminate@2023-01-01"), day(2023, 1, 1), true},
		{"not yet due", nil, tagged("terminate@2023-01-01"), day(2022, 12, 31), false},
		{"other op", nil, tagged("stop@2023-01-01"), day(2023, 1, 2), false},
		{"malformed value", nil, tagged("terminate-soon"), day(2023, 1, 2), false},
		{"no tag", nil, engine.Record{"InstanceId": "i-1"}, day(2023, 1, 2), false},
		{"message form", nil, tagged("unused: terminate@2023/01/01"), day(2023, 1, 2), true},
		{"skew brings due date forward", map[string]interface{}{"skew": 2}, tagged("terminate@2023-01-03"), day(2023, 1, 1), true},
		{"skew hours", map[string]interface{}{"skew_hours": 12}, tagged("terminate@2023-01-03"), day(2023, 1, 2), false},
		{
			"custom tag",
			map[string]interface{}{"tag": "custodian_cleanup"},
			engine.Record{
				"InstanceId": "i-1",
				"Tags": []interface{}{
					map[string]interface{}{"Key": "custodian_cleanup", "Value": "terminate@2023-01-01"},
				},
			},
			day(2023, 1, 2),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := map[string]interface{}{"type": "marked-for-op", "op": "terminate"}
			for k, v := range tt.params {
				raw[k] = v
			}
			node, err := Parse([]interface{}{raw}, ec2)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := node.Match(Env{Now: tt.now}, tt.record); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarkedForOpFilter_RequiresOp(t *testing.T) {
	if _, err := Parse([]interface{}{map[string]interface{}{"type": "marked-for-op"}}, ec2); err == nil {
		t.Error("expected error for missing op")
	}
}
