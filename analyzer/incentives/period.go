package incentives

import "time"

// Week is the width of an incentive period in seconds.
const Week = int64(7 * 24 * time.Hour / time.Second)

// PeriodStart returns the start of the period containing ts.
func PeriodStart(ts int64) int64 {
	return ts / Week * Week
}

// MissingPeriods lists, in ascending order, the period starts that still
// need processing at unix time now: from the period after `last`, or from
// the period containing `start` when nothing was processed yet, up to but
// excluding the current period.
func MissingPeriods(now int64, last *int64, start int64) []int64 {
	current := PeriodStart(now)
	first := PeriodStart(start)
	if last != nil {
		first = *last + Week
	}
	var periods []int64
	for p := first; p < current; p += Week {
		periods = append(periods, p)
	}
	return periods
}
