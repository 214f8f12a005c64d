package indicator

import "kl-core/internal/model"

// Aggregate reduces a base-interval bar table into period-sized buckets:
// open = first, high = max, low = min, close = last, volume = sum. The
// output Epoch is the bucket start; MarketDate is taken from the last
// source bar of the bucket. Input must be ascending by Epoch.
//
// A period of one base unit is an identity copy, the common realtime path
// skips the grouping work entirely.
func Aggregate(bars []model.Bar, period int, iv model.Interval) []model.Bar {
	if len(bars) == 0 {
		return nil
	}
	if period <= 1 {
		out := make([]model.Bar, len(bars))
		copy(out, bars)
		return out
	}

	width := int64(period) * iv.Seconds()
	out := make([]model.Bar, 0, len(bars)/period+1)

	var cur model.Bar
	var curBucket int64 = -1

	for _, b := range bars {
		bucket := b.Epoch - b.Epoch%width
		if bucket != curBucket {
			if curBucket >= 0 {
				out = append(out, cur)
			}
			curBucket = bucket
			cur = b
			cur.Epoch = bucket
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
		cur.MarketDate = b.MarketDate
	}
	out = append(out, cur)
	return out
}
