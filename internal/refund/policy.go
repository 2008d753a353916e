// Package refund computes cancellation refunds. Everything here is pure and
// deterministic for identical inputs.
package refund

import "time"

const (
	// FullRefundNotice is the minimum notice for a full refund.
	FullRefundNotice = 24 * time.Hour

	FullPercentage    = 100
	PartialPercentage = 80
)

type Result struct {
	Percentage int
	Amount     int64
	HoursUntil float64
}

// Compute returns the refund for an appointment at scheduledAt cancelled at
// now, on base in the smallest currency unit. Past appointments get the
// partial rate.
func Compute(scheduledAt, now time.Time, base int64) Result {
	until := scheduledAt.Sub(now)

	pct := PartialPercentage
	if until >= FullRefundNotice {
		pct = FullPercentage
	}

	return Result{
		Percentage: pct,
		Amount:     Percent(base, pct),
		HoursUntil: until.Hours(),
	}
}

// Percent returns base*pct/100 rounded half-up to the smallest unit.
func Percent(base int64, pct int) int64 {
	if base <= 0 || pct <= 0 {
		return 0
	}
	return (base*int64(pct) + 50) / 100
}

// BaseAmount picks the refund base: a paid deposit when there is one,
// otherwise the appointment total.
func BaseAmount(total int64, depositAmount int64, depositPaid bool) int64 {
	if depositPaid && depositAmount > 0 {
		return depositAmount
	}
	return total
}
