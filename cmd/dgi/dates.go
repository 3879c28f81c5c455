package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var whenParser = newWhenParser()

func newWhenParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// dateLayouts are the absolute formats accepted before natural language.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	dateOnly,
}

const dateOnly = "2006-01-02"

// parseWhen resolves a user-supplied lower bound relative to now. The empty
// string yields the zero time. Durations such as "72h" count back from now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	return parseBound(s, now, false)
}

// parseUntil is parseWhen for inclusive upper bounds: a bare date means the
// end of that day.
func parseUntil(s string, now time.Time) (time.Time, error) {
	return parseBound(s, now, true)
}

func parseBound(s string, now time.Time, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, s, now.Location())
		if err != nil {
			continue
		}
		if endOfDay && layout == dateOnly {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}

	r, err := whenParser.Parse(s, now)
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot understand %q", s)
	}
	return r.Time, nil
}
