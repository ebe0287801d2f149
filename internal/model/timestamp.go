// internal/model/timestamp.go
package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrTimestampOutOfRange: момент не помещается в int64 наносекунд
// (примерно вне 1677-09-21 .. 2262-04-11).
var ErrTimestampOutOfRange = errors.New("timestamp out of range")

var (
	minNanoTime = time.Unix(0, math.MinInt64).UTC()
	maxNanoTime = time.Unix(0, math.MaxInt64).UTC()
)

// ParseTimestamp переводит RFC 3339 (до наносекунд) в наносекунды от Unix epoch.
func ParseTimestamp(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	if t.Before(minNanoTime) || t.After(maxNanoTime) {
		return 0, fmt.Errorf("%w: %q", ErrTimestampOutOfRange, s)
	}
	return t.UnixNano(), nil
}

// FormatTimestamp: обратное к ParseTimestamp (UTC, без хвостовых нулей).
func FormatTimestamp(ns int64) string {
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}
