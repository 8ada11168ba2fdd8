package filters

import (
	"testing"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s) error = %v", name, err)
	}
	return loc
}

func scheduled(tags map[string]string) engine.Record {
	r := engine.Record{"InstanceId": "i-1"}
	list := make([]interface{}, 0, len(tags))
	for k, v := range tags {
		list = append(list, map[string]interface{}{"Key": k, "Value": v})
	}
	r["Tags"] = list
	return r
}

func TestTimeFilter(t *testing.T) {
	eastern := mustZone(t, "America/New_York")
	pacific := mustZone(t, "America/Los_Angeles")

	// 2024-06-03 is a Monday.
	at := func(loc *time.Location, day, hour, minute int) time.Time {
		return time.Date(2024, 6, day, hour, minute, 0, 0, loc)
	}
	defaultTag := map[string]string{DefaultScheduleTag: ""}

	tests := []struct {
		name   string
		filter map[string]interface{}
		tags   map[string]string
		now    time.Time
		want   bool
	}{
		{"offhour at stop hour", map[string]interface{}{"type": "offhour"}, defaultTag, at(eastern, 3, 19, 15), true},
		{"offhour before stop hour", map[string]interface{}{"type": "offhour"}, defaultTag, at(eastern, 3, 18, 59), false},
		{"offhour evaluated in zone", map[string]interface{}{"type": "offhour"}, defaultTag, at(time.UTC, 3, 23, 0), true},
		{"weekend skipped", map[string]interface{}{"type": "offhour"}, defaultTag, at(eastern, 8, 19, 0), false},
		{"weekends included", map[string]interface{}{"type": "offhour", "weekends": false}, defaultTag, at(eastern, 8, 19, 0), true},
		{"weekends only on friday", map[string]interface{}{"type": "offhour", "weekends-only": true}, defaultTag, at(eastern, 7, 19, 0), true},
		{"weekends only not monday", map[string]interface{}{"type": "offhour", "weekends-only": true}, defaultTag, at(eastern, 3, 19, 0), false},
		{"custom hour", map[string]interface{}{"type": "offhour", "offhour": 20}, defaultTag, at(eastern, 3, 20, 0), true},
		{"untagged", map[string]interface{}{"type": "offhour"}, nil, at(eastern, 3, 19, 0), false},
		{"opt-out includes untagged", map[string]interface{}{"type": "offhour", "opt-out": true}, nil, at(eastern, 3, 19, 0), true},
		{"tag turned off", map[string]interface{}{"type": "offhour"}, map[string]string{DefaultScheduleTag: "off"}, at(eastern, 3, 19, 0), false},
		{"tag key case-insensitive", map[string]interface{}{"type": "offhour"}, map[string]string{"Steward_OffHours": "on"}, at(eastern, 3, 19, 0), true},
		{
			"schedule in tag",
			map[string]interface{}{"type": "offhour"},
			map[string]string{DefaultScheduleTag: "off=(M-F,21);on=(M-F,8);tz=pt"},
			at(pacific, 4, 21, 5),
			true,
		},
		{
			"schedule replaces default hour",
			map[string]interface{}{"type": "offhour"},
			map[string]string{DefaultScheduleTag: "off=(M-F,21);tz=pt"},
			at(eastern, 4, 19, 0),
			false,
		},
		{
			"onhour from schedule",
			map[string]interface{}{"type": "onhour"},
			map[string]string{DefaultScheduleTag: "off=(M-F,19);on=(M-F,8)"},
			at(eastern, 4, 8, 0),
			true,
		},
		{"onhour default", map[string]interface{}{"type": "onhour"}, defaultTag, at(eastern, 5, 7, 30), true},
		{"bad schedule", map[string]interface{}{"type": "offhour"}, map[string]string{DefaultScheduleTag: "off=(X,19)"}, at(eastern, 3, 19, 0), false},
		{
			"skip day",
			map[string]interface{}{"type": "offhour", "skip-days": []interface{}{"2024-06-03"}},
			defaultTag,
			at(eastern, 3, 19, 0),
			false,
		},
		{
			"default zone",
			map[string]interface{}{"type": "offhour", "default_tz": "pt"},
			defaultTag,
			at(pacific, 3, 19, 0),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := Parse([]interface{}{tt.filter}, ec2)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := node.Match(Env{Now: tt.now}, scheduled(tt.tags)); got != tt.want {
				t.Errorf("Match() at %s = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestTimeFilter_InvalidParams(t *testing.T) {
	for _, raw := range []map[string]interface{}{
		{"type": "offhour", "offhour": 24},
		{"type": "offhour", "default_tz": "Mars/Olympus"},
		{"type": "onhour", "skip-days": []interface{}{"June 3"}},
		{"type": "onhour", "offhour": 19},
	} {
		if _, err := Parse([]interface{}{raw}, ec2); err == nil {
			t.Errorf("expected error for %v", raw)
		}
	}
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("off=[(M-F,21),(U,18)];on=(M-F,7);tz=pt")
	if err != nil {
		t.Fatalf("ParseSchedule() error = %v", err)
	}
	if len(s.Off) != 2 || s.Off[0].Hour != 21 || len(s.Off[0].Days) != 5 {
		t.Errorf("Off = %+v", s.Off)
	}
	if s.Off[1].Days[0] != time.Sunday || s.Off[1].Hour != 18 {
		t.Errorf("second off entry = %+v", s.Off[1])
	}
	if len(s.On) != 1 || s.On[0].Hour != 7 {
		t.Errorf("On = %+v", s.On)
	}
	if s.Location == nil || s.Location.String() != "America/Los_Angeles" {
		t.Errorf("Location = %v", s.Location)
	}

	for _, bad := range []string{"off", "off=(M-F)", "off=(M-F,25)", "off=(F-M,19)", "tz=nowhere", "lunch=(M,12)"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Errorf("ParseSchedule(%q) expected error", bad)
		}
	}
}
