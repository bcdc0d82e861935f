package shared

import (
	"sort"
	"strings"
)

// Version is a value object for aggregate versions used in optimistic locking.
type Version int

// NewVersion creates the initial version for a new aggregate.
func NewVersion() Version {
	return Version(0)
}

// ParseVersion creates a Version from a persisted integer.
func ParseVersion(v int) Version {
	return Version(v)
}

// Next returns the version after one successful persistence cycle.
func (v Version) Next() Version {
	return v + 1
}

// Int returns the integer representation of the version.
func (v Version) Int() int {
	return int(v)
}

// Tags is a value object for provider resource tags. Keys are unique; merges
// are last-writer-wins so request tags can override template tags.
type Tags map[string]string

// NewTags creates an empty tag set.
func NewTags() Tags {
	return make(Tags)
}

// ParseTagString parses the scheduler wire form "k1=v1;k2=v2" into Tags.
// Empty segments are skipped; entries without '=' are rejected.
func ParseTagString(s string) (Tags, error) {
	tags := NewTags()
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, found := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, ErrInvalidTagEntry
		}
		tags[key] = strings.TrimSpace(value)
	}
	return tags, nil
}

// Merge returns a new tag set with entries from other overriding entries
// from t. Neither input is modified.
func (t Tags) Merge(other Tags) Tags {
	merged := make(Tags, len(t)+len(other))
	for k, v := range t {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Clone returns a copy of the tag set.
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Keys returns the tag keys in sorted order for deterministic output.
func (t Tags) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsEmpty checks whether the tag set has no entries.
func (t Tags) IsEmpty() bool {
	return len(t) == 0
}
