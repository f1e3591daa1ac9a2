package publication

import (
	"maps"
	"sort"
)

// Metrics is a flat map of scalar values (int, bool, float64, string).
// Two Metrics are equal when they hold the same keys with equal values.
type Metrics map[string]any

// Clone returns a shallow copy. Values are scalars so the copy is independent.
func (m Metrics) Clone() Metrics {
	if m == nil {
		return Metrics{}
	}
	return maps.Clone(m)
}

// Equal reports value equality. A nil map equals an empty one.
func (m Metrics) Equal(other Metrics) bool {
	return maps.Equal(m, other)
}

// Keys returns the metric names in sorted order.
func (m Metrics) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
