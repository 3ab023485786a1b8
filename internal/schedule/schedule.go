// Package schedule computes retry-delay series for the rendezvous exchange.
//
// Both peers space their resends along a convex backoff curve
//
//	f(e, i) = (e^i − 1) / e
//
// whose scale e is binary-searched so that the n delays sum to the configured
// timeout. Early resends land close together, the final waits dominate the
// budget. The peers compute their series independently; the protocol only
// needs each side's delays to add up to its own timeout.
package schedule

import (
	"math"
	"time"
)

// slack is the acceptable error between the delay sum and the target total.
const slack = 10 * time.Millisecond

// Series returns n non-negative, non-decreasing delays summing to total
// within 10ms. n < 1 or a non-positive total yields a slice of zero delays:
// every resend fires immediately and the caller's deadline does the limiting.
func Series(n int, total time.Duration) []time.Duration {
	if n < 1 {
		return nil
	}
	delays := make([]time.Duration, n)
	// f(e, 0) is always 0, so a single-entry series can never reach a
	// positive total; the all-zero slice is the only consistent answer.
	if n == 1 || total <= 0 {
		return delays
	}

	target := total.Seconds()
	lo, hi := 0.0, target
	// The curve sum is monotone in e, so the midpoint search converges
	// quickly; the iteration cap only guards degenerate float ranges.
	for iter := 0; iter < 200; iter++ {
		e := (lo + hi) / 2
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += curve(e, i)
		}
		err := sum - target
		if math.Abs(err) < slack.Seconds() {
			for i := 0; i < n; i++ {
				delays[i] = time.Duration(curve(e, i) * float64(time.Second))
			}
			return delays
		}
		if err > 0 {
			hi = e
		} else {
			lo = e
		}
	}

	// Search exhausted without convergence: no e in (0, total] brings the
	// curve sum within slack of total (n == 2, or a total of about a second
	// or less); fall back to even spacing, which still sums to the budget.
	for i := 0; i < n; i++ {
		delays[i] = total / time.Duration(n)
	}
	return delays
}

// ClientSeries returns the inter-send waits for a client performing the given
// number of sends within total: one extra slot is computed and the final,
// largest wait dropped, so the last send still has a listening window before
// the overall deadline.
func ClientSeries(sends int, total time.Duration) []time.Duration {
	return Series(sends+1, total)[:sends]
}

func curve(e float64, i int) float64 {
	if e <= 0 {
		return 0
	}
	d := (math.Pow(e, float64(i)) - 1) / e
	if d < 0 {
		return 0
	}
	return d
}
