// Package keys defines the redis key layout for per-entity counters.
//
// A counter key has the shape "<entity>:<id>:<metric>", for example
// "question:42:views". Parse is the only way the reconciler turns a scanned key
// back into an id; it reports a non-matching key with ok=false.
package keys

import (
	"strconv"
	"strings"
)

type Schema struct {
	Entity string
	Metric string
}

// Views is the schema of the per-question view counter.
var Views = Schema{Entity: "question", Metric: "views"}

func (s Schema) Key(id int64) string {
	return s.Entity + ":" + strconv.FormatInt(id, 10) + ":" + s.Metric
}

// Pattern is the SCAN MATCH glob covering every key of the schema.
func (s Schema) Pattern() string {
	return s.Entity + ":*:" + s.Metric
}

// Parse extracts the id from key. The id segment must be the canonical
// decimal form of a non-negative int64: signs, leading zeros, spaces and extra
// segments do not match, so every id has exactly one key.
func (s Schema) Parse(key string) (int64, bool) {
	prefix := s.Entity + ":"
	suffix := ":" + s.Metric
	if len(key) <= len(prefix)+len(suffix) {
		return 0, false
	}
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return 0, false
	}
	mid := key[len(prefix) : len(key)-len(suffix)]
	if len(mid) > 1 && mid[0] == '0' {
		return 0, false
	}
	for i := 0; i < len(mid); i++ {
		if mid[i] < '0' || mid[i] > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(mid, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func ViewKey(questionID int64) string { return Views.Key(questionID) }

func ParseViewKey(key string) (int64, bool) { return Views.Parse(key) }
