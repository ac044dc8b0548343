// Package jsonmap converts between plain string maps and the JSONMap
// column type gorm stores them in. Job and agent labels cross this
// boundary in both directions: string maps at the API and selector
// edges, JSONMap in the database.
package jsonmap

import (
	"fmt"

	"gorm.io/datatypes"
)

// FromStringMap builds the storable form of a label set. A nil or
// empty input yields an empty, non-nil map so the column is always a
// JSON object.
func FromStringMap(labels map[string]string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, value := range labels {
		out[key] = value
	}
	return out
}

// ToStringMap recovers a label set from its stored form. Values that
// round-tripped through JSON as something other than a string are
// formatted rather than dropped, so no label silently disappears.
func ToStringMap(stored datatypes.JSONMap) map[string]string {
	out := make(map[string]string, len(stored))
	for key, value := range stored {
		switch v := value.(type) {
		case string:
			out[key] = v
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out
}
