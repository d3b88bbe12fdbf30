package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is a row as seen by the change feed or carried in a request body.
// Values arrive either as Postgres text (from replication) or as decoded
// JSON, so the accessors accept both.
type Record map[string]any

// timeLayouts covers RFC 3339 plus the text output of Postgres timestamp and
// timestamptz columns.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// ID returns the "id" column formatted as a string, or "" when absent.
func (r Record) ID() string {
	return r.String("id")
}

func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == math.Trunc(val) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Int parses the value as an integer.
func (r Record) Int(key string) (int64, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("field %s missing", key)
	}
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return int64(val), nil
	case float64:
		return int64(val), nil
	case json.Number:
		return val.Int64()
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("field %s has unsupported type %T", key, v)
	}
}

// Time parses the value as a timestamp.
func (r Record) Time(key string) (time.Time, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return time.Time{}, fmt.Errorf("field %s missing", key)
	}
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("field %s: unrecognized time %q", key, val)
	default:
		return time.Time{}, fmt.Errorf("field %s has unsupported type %T", key, v)
	}
}
