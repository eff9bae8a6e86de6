package rainday

import (
	"time"

	"crewflow/internal/domain"
)

const (
	MinSpreadDays     = 7
	MaxSpreadDays     = 30
	DefaultSpreadDays = 14
)

// DateLoad is the number of jobs already booked on a candidate date.
type DateLoad struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Plan maps each incoming job (by position) to a target date, together with
// the loads after every placement.
type Plan struct {
	Targets []string
	Loads   []DateLoad
}

// Spread places jobs one by one on the least-loaded candidate, counting each
// placement before the next job is considered. Ties go to the earlier
// candidate. This is a streaming greedy balance, not an optimal packing.
func Spread(jobs int, loads []DateLoad) Plan {
	acc := Plan{Loads: append([]DateLoad(nil), loads...)}
	if len(acc.Loads) == 0 {
		return acc
	}
	for i := 0; i < jobs; i++ {
		acc = place(acc)
	}
	return acc
}

func place(acc Plan) Plan {
	best := 0
	for i, l := range acc.Loads {
		if l.Count < acc.Loads[best].Count {
			best = i
		}
	}
	acc.Loads[best].Count++
	acc.Targets = append(acc.Targets, acc.Loads[best].Date)
	return acc
}

// ClampSpreadDays bounds n to [MinSpreadDays, MaxSpreadDays]; zero means the default.
func ClampSpreadDays(n int) int {
	switch {
	case n == 0:
		return DefaultSpreadDays
	case n < MinSpreadDays:
		return MinSpreadDays
	case n > MaxSpreadDays:
		return MaxSpreadDays
	}
	return n
}

// CandidateDates returns the n working days (Sundays skipped) after from.
func CandidateDates(from time.Time, n int) []string {
	out := make([]string, 0, n)
	d := from
	for len(out) < n {
		d = d.AddDate(0, 0, 1)
		if d.Weekday() == time.Sunday {
			continue
		}
		out = append(out, d.Format(domain.DateLayout))
	}
	return out
}

// NextWorkday is the first non-Sunday after from.
func NextWorkday(from time.Time) time.Time {
	d := from.AddDate(0, 0, 1)
	if d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}
