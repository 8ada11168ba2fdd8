package filters

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
)

// DefaultMarkTag is the tag that carries marked-for-op state.
const DefaultMarkTag = "steward_status"

// Layouts written into mark tags. Due times that fall on midnight UTC are
// written as a date, anything else keeps hours and minutes.
const (
	markDateLayout = "2006/01/02"
	markTimeLayout = "2006/01/02 1504 MST"
)

var markDateLayouts = []string{markDateLayout, "2006-01-02", time.RFC3339, markTimeLayout}

// Mark is a deferred operation recorded in a tag value.
//
// The encoding is "<message>: <op>@<YYYY/MM/DD>", or
// "<message>: <op>@<YYYY/MM/DD HHMM UTC>" when the operation is due within
// a day. The message and its colon are optional, and the date may also be
// written YYYY-MM-DD.
type Mark struct {
	Message string
	Op      string
	Due     time.Time
}

// String returns the tag encoding of m.
func (m Mark) String() string {
	target := fmt.Sprintf("%s@%s", m.Op, FormatMarkDue(m.Due))
	if m.Message == "" {
		return target
	}
	return m.Message + ": " + target
}

// FormatMarkDue renders a due time the way mark tags carry it. Seconds
// round up to the next minute so a mark never comes due early.
func FormatMarkDue(due time.Time) string {
	due = due.UTC()
	if t := due.Truncate(time.Minute); !t.Equal(due) {
		due = t.Add(time.Minute)
	}
	if due.Hour() == 0 && due.Minute() == 0 {
		return due.Format(markDateLayout)
	}
	return due.Format(markTimeLayout)
}

// ParseMark decodes a tag value. Values written by third parties can hold
// anything, so failures are reported with ok=false rather than an error.
func ParseMark(value string) (Mark, bool) {
	var m Mark
	target := value
	// The date may carry colons of its own, so split before the "@".
	if at := strings.LastIndex(value, "@"); at >= 0 {
		if i := strings.LastIndex(value[:at], ":"); i >= 0 {
			m.Message = strings.TrimSpace(value[:i])
			target = value[i+1:]
		}
	}

	op, date, found := strings.Cut(strings.TrimSpace(target), "@")
	op = strings.TrimSpace(op)
	date = strings.TrimSpace(date)
	if !found || op == "" || date == "" {
		return Mark{}, false
	}

	for _, layout := range markDateLayouts {
		if due, err := time.Parse(layout, date); err == nil {
			m.Op = op
			m.Due = due.UTC()
			return m, true
		}
	}
	return Mark{}, false
}

// MarkedForOpFilter matches resources whose mark tag names Op with a due
// date that has passed. Skew brings the due date forward.
type MarkedForOpFilter struct {
	Op        string
	Tag       string
	Skew      time.Duration
	tagsField string
}

func newMarkedForOpFilter(p params, rt engine.ResourceType) (Node, error) {
	if err := p.only("op", "tag", "skew", "skew_hours"); err != nil {
		return nil, err
	}
	op, err := p.requiredStr("op")
	if err != nil {
		return nil, err
	}
	tag, err := p.str("tag")
	if err != nil {
		return nil, err
	}
	if tag == "" {
		tag = DefaultMarkTag
	}

	skewDays, _, err := p.number("skew")
	if err != nil {
		return nil, err
	}
	skewHours, _, err := p.number("skew_hours")
	if err != nil {
		return nil, err
	}
	if skewDays < 0 || skewHours < 0 {
		return nil, fmt.Errorf("skew must not be negative")
	}

	return &MarkedForOpFilter{
		Op:        op,
		Tag:       tag,
		Skew:      time.Duration(skewDays*24*float64(time.Hour)) + time.Duration(skewHours*float64(time.Hour)),
		tagsField: rt.TagsField,
	}, nil
}

// Match implements Node.
func (f *MarkedForOpFilter) Match(env Env, r engine.Record) bool {
	value, ok := r.Tag(f.tagsField, f.Tag)
	if !ok {
		return false
	}
	mark, ok := ParseMark(value)
	if !ok || mark.Op != f.Op {
		return false
	}
	return !mark.Due.Add(-f.Skew).After(env.Now)
}

func (f *MarkedForOpFilter) String() string {
	return fmt.Sprintf("marked-for-op: %s (tag %s)", f.Op, f.Tag)
}
