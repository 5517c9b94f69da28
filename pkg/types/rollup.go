package types

import "time"

// RollupValue is a precomputed aggregate returned by the rollup cache.
// When Stale is true the cache is configured for asynchronous refresh and
// the value is older than the staleness bound; a refresh is in flight.
type RollupValue struct {
	DimensionKey string    `json:"dimension_key"`
	Metric       string    `json:"metric"`
	Value        float64   `json:"value"`
	AsOf         time.Time `json:"as_of"`
	Stale        bool      `json:"stale"`
}
