package schema

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// IndexNameLength is the length of every valid remote resource identifier.
const IndexNameLength = 36

// DefaultSource is assumed when the catalog omits a resource's source.
const DefaultSource = "data.gov.in"

// millisThreshold separates unix seconds from unix milliseconds.
// 1e11 seconds is in the year 5138.
const millisThreshold = 100_000_000_000

// ErrInvalidIndexName marks catalog records that must not be cached.
var ErrInvalidIndexName = errors.New("invalid index_name")

// Resource is one dataset's metadata record as stored in the cache.
type Resource struct {
	// ===== Identity =====
	IndexName string `json:"index_name" yaml:"index_name"`

	// ===== Description =====
	Title string `json:"title" yaml:"title"`
	Desc  string `json:"desc,omitempty" yaml:"desc,omitempty"`

	// ===== Publisher =====
	Org     []string `json:"org" yaml:"org"`
	OrgType string   `json:"org_type" yaml:"org_type"`
	Source  string   `json:"source" yaml:"source"`

	// ===== Classification =====
	Sector []string `json:"sector" yaml:"sector"`
	Fields []string `json:"fields" yaml:"fields"` // column ids of the dataset

	// ===== Timestamps =====
	Created *time.Time `json:"created,omitempty" yaml:"created,omitempty"`
	Updated *time.Time `json:"updated,omitempty" yaml:"updated,omitempty"`
}

// Validate checks the invariants required before a resource is cached.
func (r *Resource) Validate() error {
	if len(r.IndexName) != IndexNameLength {
		return fmt.Errorf("%w: %q has length %d, want %d", ErrInvalidIndexName, r.IndexName, len(r.IndexName), IndexNameLength)
	}
	return nil
}

// SetDefaults fills nil slices and an empty source so that cached rows and
// JSON output are uniform.
func (r *Resource) SetDefaults() {
	if r.Org == nil {
		r.Org = []string{}
	}
	if r.Sector == nil {
		r.Sector = []string{}
	}
	if r.Fields == nil {
		r.Fields = []string{}
	}
	if r.Source == "" {
		r.Source = DefaultSource
	}
}

// FromRaw normalizes one catalog record.
//
// Text is whitespace-collapsed, org_type and source are lower-cased, list
// attributes are cleaned, deduplicated and sorted, and timestamps in unix
// seconds or milliseconds become UTC times. Records with an index_name that is
// not IndexNameLength long are rejected with ErrInvalidIndexName.
func FromRaw(raw gjson.Result) (*Resource, error) {
	r := &Resource{
		IndexName: strings.TrimSpace(raw.Get("index_name").String()),
		Title:     CleanText(raw.Get("title").String()),
		Desc:      CleanText(raw.Get("desc").String()),
		Org:       cleanList(raw.Get("org")),
		OrgType:   strings.ToLower(CleanText(raw.Get("org_type").String())),
		Source:    strings.ToLower(CleanText(raw.Get("source").String())),
		Sector:    cleanList(raw.Get("sector")),
		Fields:    fieldIDs(raw.Get("field")),
		Created:   ParseTimestamp(raw.Get("created")),
		Updated:   ParseTimestamp(raw.Get("updated")),
	}
	r.SetDefaults()

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

var spaces = regexp.MustCompile(` +`)

// CleanText collapses runs of spaces and trims surrounding whitespace.
func CleanText(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

// ParseTimestamp converts a unix timestamp given as number or numeric string.
// Values above the seconds range are read as milliseconds. Missing,
// non-numeric and non-positive values yield nil.
func ParseTimestamp(v gjson.Result) *time.Time {
	if !v.Exists() {
		return nil
	}

	var n int64
	switch v.Type {
	case gjson.Number:
		n = int64(v.Num)
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil {
				return nil
			}
			parsed = int64(f)
		}
		n = parsed
	default:
		return nil
	}

	if n <= 0 {
		return nil
	}

	var t time.Time
	if n > millisThreshold {
		t = time.UnixMilli(n).UTC()
	} else {
		t = time.Unix(n, 0).UTC()
	}
	return &t
}

// cleanList accepts an array of strings or a single string.
func cleanList(v gjson.Result) []string {
	var items []string
	switch {
	case v.IsArray():
		for _, item := range v.Array() {
			items = append(items, item.String())
		}
	case v.Type == gjson.String:
		items = append(items, v.Str)
	}
	return uniqueSorted(items, CleanText)
}

// fieldIDs extracts the column ids of a catalog "field" array, whose entries
// are {"id": ..., "name": ..., "type": ...} objects.
func fieldIDs(v gjson.Result) []string {
	if !v.IsArray() {
		return []string{}
	}
	var ids []string
	for _, f := range v.Array() {
		if f.IsObject() {
			ids = append(ids, f.Get("id").String())
		} else {
			ids = append(ids, f.String())
		}
	}
	return uniqueSorted(ids, strings.TrimSpace)
}

func uniqueSorted(items []string, clean func(string) string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = clean(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
