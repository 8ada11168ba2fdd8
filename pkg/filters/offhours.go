package filters

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // schedules name zones that may be missing on the host

	"github.com/cloudsteward/steward/pkg/engine"
)

// DefaultScheduleTag is the tag read by the offhour and onhour filters.
const DefaultScheduleTag = "steward_offhours"

var tzAliases = map[string]string{
	"pt":  "America/Los_Angeles",
	"pst": "America/Los_Angeles",
	"pdt": "America/Los_Angeles",
	"mt":  "America/Denver",
	"ct":  "America/Chicago",
	"cst": "America/Chicago",
	"et":  "America/New_York",
	"est": "America/New_York",
	"edt": "America/New_York",
	"gmt": "Etc/GMT",
	"utc": "UTC",
	"bst": "Europe/London",
	"cet": "Europe/Berlin",
	"ist": "Asia/Kolkata",
	"sgt": "Asia/Singapore",
	"jst": "Asia/Tokyo",
	"aet": "Australia/Sydney",
}

func loadZone(name string) (*time.Location, error) {
	if alias, ok := tzAliases[strings.ToLower(name)]; ok {
		name = alias
	}
	return time.LoadLocation(name)
}

// dayOrder indexes weekday letters M T W H F S U.
var dayOrder = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

var dayLetters = map[string]int{"m": 0, "t": 1, "w": 2, "h": 3, "f": 4, "s": 5, "u": 6}

// ScheduleEntry fires at Hour on Days.
type ScheduleEntry struct {
	Days []time.Weekday
	Hour int
}

func (e ScheduleEntry) fires(t time.Time) bool {
	if t.Hour() != e.Hour {
		return false
	}
	for _, d := range e.Days {
		if d == t.Weekday() {
			return true
		}
	}
	return false
}

// Schedule is a parsed off/on hours tag value such as
// "off=(M-F,19);on=(M-F,7);tz=pt" or "off=[(M-F,21),(U,18)]".
type Schedule struct {
	Off      []ScheduleEntry
	On       []ScheduleEntry
	Location *time.Location
}

var scheduleGroup = regexp.MustCompile(`\(([^)]*)\)`)

// ParseSchedule parses a schedule tag value. Parts that are omitted stay
// zero so that callers can fall back to their defaults.
func ParseSchedule(value string) (Schedule, error) {
	var s Schedule
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return Schedule{}, fmt.Errorf("invalid schedule part %q", part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)

		switch key {
		case "tz":
			loc, err := loadZone(val)
			if err != nil {
				return Schedule{}, fmt.Errorf("unknown time zone %q", val)
			}
			s.Location = loc
		case "off", "on":
			entries, err := parseEntries(val)
			if err != nil {
				return Schedule{}, err
			}
			if key == "off" {
				s.Off = entries
			} else {
				s.On = entries
			}
		default:
			return Schedule{}, fmt.Errorf("unknown schedule key %q", key)
		}
	}
	return s, nil
}

func parseEntries(val string) ([]ScheduleEntry, error) {
	groups := scheduleGroup.FindAllStringSubmatch(val, -1)
	if len(groups) == 0 {
		return nil, fmt.Errorf("invalid schedule %q", val)
	}
	entries := make([]ScheduleEntry, 0, len(groups))
	for _, g := range groups {
		fields := strings.Split(g[1], ",")
		if len(fields) < 2 {
			return nil, fmt.Errorf("invalid schedule entry %q", g[0])
		}
		hour, err := strconv.Atoi(strings.TrimSpace(fields[len(fields)-1]))
		if err != nil || hour < 0 || hour > 23 {
			return nil, fmt.Errorf("invalid hour in %q", g[0])
		}
		var entryDays []time.Weekday
		for _, spec := range fields[:len(fields)-1] {
			d, err := parseDays(strings.TrimSpace(spec))
			if err != nil {
				return nil, err
			}
			entryDays = append(entryDays, d...)
		}
		entries = append(entries, ScheduleEntry{Days: entryDays, Hour: hour})
	}
	return entries, nil
}

func parseDays(spec string) ([]time.Weekday, error) {
	spec = strings.ToLower(spec)
	from, to, isRange := strings.Cut(spec, "-")
	start, ok := dayLetters[from]
	if !ok {
		return nil, fmt.Errorf("invalid day %q", from)
	}
	end := start
	if isRange {
		if end, ok = dayLetters[to]; !ok || end < start {
			return nil, fmt.Errorf("invalid day range %q", spec)
		}
	}
	return dayOrder[start : end+1], nil
}

// TimeFilter implements the offhour and onhour filters. It matches when the
// current hour, in the resource's time zone, is the configured stop (off)
// or start (on) hour on a scheduled day.
type TimeFilter struct {
	Kind         string
	Hour         int
	Tag          string
	Location     *time.Location
	Weekends     bool
	WeekendsOnly bool
	OptOut       bool
	SkipDays     map[string]bool

	tagsField string
}

func newTimeFilter(kind string) leafFactory {
	return func(p params, rt engine.ResourceType) (Node, error) {
		if err := p.only(kind, "tag", "default_tz", "weekends", "weekends-only", "opt-out", "skip-days"); err != nil {
			return nil, err
		}

		f := &TimeFilter{Kind: kind, tagsField: rt.TagsField, SkipDays: map[string]bool{}}

		def := 19
		if kind == "onhour" {
			def = 7
		}
		hour, ok, err := p.number(kind)
		if err != nil {
			return nil, err
		}
		f.Hour = def
		if ok {
			if hour < 0 || hour > 23 || hour != float64(int(hour)) {
				return nil, fmt.Errorf("%s must be an hour between 0 and 23", kind)
			}
			f.Hour = int(hour)
		}

		if f.Tag, err = p.str("tag"); err != nil {
			return nil, err
		}
		if f.Tag == "" {
			f.Tag = DefaultScheduleTag
		}

		tz, err := p.str("default_tz")
		if err != nil {
			return nil, err
		}
		if tz == "" {
			tz = "et"
		}
		if f.Location, err = loadZone(tz); err != nil {
			return nil, fmt.Errorf("unknown default_tz %q", tz)
		}

		if f.Weekends, err = p.boolean("weekends", true); err != nil {
			return nil, err
		}
		if f.WeekendsOnly, err = p.boolean("weekends-only", false); err != nil {
			return nil, err
		}
		if f.OptOut, err = p.boolean("opt-out", false); err != nil {
			return nil, err
		}

		if raw, ok := p["skip-days"]; ok {
			list, ok := toList(raw)
			if !ok {
				return nil, fmt.Errorf("skip-days must be a list of dates")
			}
			for _, d := range list {
				s, _ := d.(string)
				if _, err := time.Parse("2006-01-02", s); err != nil {
					return nil, fmt.Errorf("invalid skip day %v", d)
				}
				f.SkipDays[s] = true
			}
		}

		return f, nil
	}
}

// defaultEntry is the schedule used when the tag carries no off/on part.
func (f *TimeFilter) defaultEntry() ScheduleEntry {
	switch {
	case f.WeekendsOnly && f.Kind == "offhour":
		return ScheduleEntry{Days: []time.Weekday{time.Friday}, Hour: f.Hour}
	case f.WeekendsOnly:
		return ScheduleEntry{Days: []time.Weekday{time.Monday}, Hour: f.Hour}
	case f.Weekends:
		return ScheduleEntry{Days: dayOrder[:5], Hour: f.Hour}
	default:
		return ScheduleEntry{Days: dayOrder, Hour: f.Hour}
	}
}

// Match implements Node.
func (f *TimeFilter) Match(env Env, r engine.Record) bool {
	tags := r.Tags(f.tagsField)
	value, tagged := tags[f.Tag]
	if !tagged {
		keys := make([]string, 0, len(tags))
		for k := range tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if strings.EqualFold(k, f.Tag) {
				value, tagged = tags[k], true
				break
			}
		}
	}
	value = strings.TrimSpace(value)
	if !tagged && !f.OptOut {
		return false
	}

	entries := []ScheduleEntry{f.defaultEntry()}
	loc := f.Location

	switch strings.ToLower(value) {
	case "", "on", "true":
	case "off", "false":
		return false
	default:
		s, err := ParseSchedule(value)
		if err != nil {
			return false
		}
		if s.Location != nil {
			loc = s.Location
		}
		custom := s.Off
		if f.Kind == "onhour" {
			custom = s.On
		}
		if custom != nil {
			entries = custom
		}
	}

	now := env.Now.In(loc)
	if f.SkipDays[now.Format("2006-01-02")] {
		return false
	}
	for _, e := range entries {
		if e.fires(now) {
			return true
		}
	}
	return false
}

func (f *TimeFilter) String() string {
	return fmt.Sprintf("%s: %02d:00 %s (tag %s)", f.Kind, f.Hour, f.Location, f.Tag)
}
