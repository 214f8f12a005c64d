package model

import "fmt"

// Interval is the bar bucket size. The set is closed: the upstream feed
// serves minute bars and day bars only; everything coarser is aggregated
// locally from these.
type Interval int

const (
	IntervalMinute Interval = iota
	IntervalDay
)

// Seconds returns the bucket length of one bar.
func (iv Interval) Seconds() int64 {
	if iv == IntervalDay {
		return 86400
	}
	return 60
}

// WireCode returns the upstream subscription code for this interval.
func (iv Interval) WireCode() string {
	if iv == IntervalDay {
		return "DK"
	}
	return "1K"
}

// PaginationHours is the time span requested per history subscription page
// window, in hours. Day bars paginate in far larger windows than minute bars.
func (iv Interval) PaginationHours() int {
	if iv == IntervalDay {
		return 24 * 365
	}
	return 24
}

func (iv Interval) String() string {
	if iv == IntervalDay {
		return "day"
	}
	return "minute"
}

// ParseInterval maps a wire code back to an Interval.
func ParseInterval(code string) (Interval, error) {
	switch code {
	case "1K":
		return IntervalMinute, nil
	case "DK":
		return IntervalDay, nil
	default:
		return IntervalMinute, fmt.Errorf("model: unknown interval code %q", code)
	}
}

// Truncate aligns an epoch second to this interval's bucket boundary.
func (iv Interval) Truncate(epoch int64) int64 {
	return epoch - epoch%iv.Seconds()
}
