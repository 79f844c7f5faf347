package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// HubTimeframe is the synthetic timeframe every base entity's hub stream is keyed on.
const HubTimeframe = "1s"

// ============================================================================
// Timeframe units
// ============================================================================

// TimeframeUnit is the unit suffix of a timeframe literal ("s", "m", "h", "d", "wk", "mo").
type TimeframeUnit string

const (
	TimeframeUnitSecond TimeframeUnit = "s"
	TimeframeUnitMinute TimeframeUnit = "m"
	TimeframeUnitHour   TimeframeUnit = "h"
	TimeframeUnitDay    TimeframeUnit = "d"
	TimeframeUnitWeek   TimeframeUnit = "wk"
	TimeframeUnitMonth  TimeframeUnit = "mo"
)

// unitWeights orders units seconds → minutes → hours → days → weeks → months.
var unitWeights = map[TimeframeUnit]int{
	TimeframeUnitSecond: 1,
	TimeframeUnitMinute: 2,
	TimeframeUnitHour:   3,
	TimeframeUnitDay:    4,
	TimeframeUnitWeek:   5,
	TimeframeUnitMonth:  6,
}

// unitSeconds is the window size of one unit. Months are fixed at 30 days.
var unitSeconds = map[TimeframeUnit]int64{
	TimeframeUnitSecond: 1,
	TimeframeUnitMinute: 60,
	TimeframeUnitHour:   3600,
	TimeframeUnitDay:    86400,
	TimeframeUnitWeek:   7 * 86400,
	TimeframeUnitMonth:  30 * 86400,
}

// unitAliases accepts the spellings callers commonly use.
var unitAliases = map[string]TimeframeUnit{
	"s":   TimeframeUnitSecond,
	"sec": TimeframeUnitSecond,
	"m":   TimeframeUnitMinute,
	"min": TimeframeUnitMinute,
	"h":   TimeframeUnitHour,
	"hr":  TimeframeUnitHour,
	"d":   TimeframeUnitDay,
	"w":   TimeframeUnitWeek,
	"wk":  TimeframeUnitWeek,
	"mo":  TimeframeUnitMonth,
	"mon": TimeframeUnitMonth,
}

// UnitWeight returns the ordering weight of a unit, or 0 for unknown units.
func UnitWeight(u TimeframeUnit) int {
	return unitWeights[u]
}

// ============================================================================
// Timeframe
// ============================================================================

// Timeframe is a parsed window size such as "5m" or "1h".
type Timeframe struct {
	Value int
	Unit  TimeframeUnit
}

// ParseTimeframe parses literals like "1s", "5m", "4h", "1d", "1wk", "1mo".
// Parsing is case-insensitive and ignores surrounding whitespace.
func ParseTimeframe(raw string) (Timeframe, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Timeframe{}, fmt.Errorf("empty timeframe")
	}

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return Timeframe{}, fmt.Errorf("timeframe %q has no numeric prefix", raw)
	}

	value, err := strconv.Atoi(s[:i])
	if err != nil {
		return Timeframe{}, fmt.Errorf("timeframe %q: %w", raw, err)
	}
	if value <= 0 {
		return Timeframe{}, fmt.Errorf("timeframe %q must be positive", raw)
	}

	unit, ok := unitAliases[s[i:]]
	if !ok {
		return Timeframe{}, fmt.Errorf("timeframe %q has unknown unit %q", raw, s[i:])
	}

	return Timeframe{Value: value, Unit: unit}, nil
}

// MustParseTimeframe is ParseTimeframe for literals known to be valid.
func MustParseTimeframe(raw string) Timeframe {
	tf, err := ParseTimeframe(raw)
	if err != nil {
		panic(err)
	}
	return tf
}

// String renders the canonical literal ("5m", "1wk").
func (t Timeframe) String() string {
	return strconv.Itoa(t.Value) + string(t.Unit)
}

// Seconds returns the window size in seconds.
func (t Timeframe) Seconds() int64 {
	return int64(t.Value) * unitSeconds[t.Unit]
}

// IsHub reports whether the timeframe is the 1-second hub granularity.
func (t Timeframe) IsHub() bool {
	return t.Unit == TimeframeUnitSecond && t.Value == 1
}

// Less orders by unit weight first, then by value within the same unit.
func (t Timeframe) Less(other Timeframe) bool {
	wa, wb := UnitWeight(t.Unit), UnitWeight(other.Unit)
	if wa != wb {
		return wa < wb
	}
	return t.Value < other.Value
}

// NormalizeTimeframes parses, de-duplicates and sorts timeframes in canonical ascending order.
func NormalizeTimeframes(raw []string) ([]Timeframe, error) {
	seen := make(map[string]bool, len(raw))
	out := make([]Timeframe, 0, len(raw))
	for _, r := range raw {
		tf, err := ParseTimeframe(r)
		if err != nil {
			return nil, err
		}
		key := tf.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tf)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}
