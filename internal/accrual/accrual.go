// Package accrual derives rent owed and due dates from lease terms, payment
// history and a reference time. Nothing here touches storage; every function
// takes "now" explicitly.
package accrual

import (
	"time"

	"github.com/matthewbaird/rentledger/internal/ledger"
)

// Owed is the accrual state of a lease at a point in time.
type Owed struct {
	PeriodsElapsed int   `json:"periods_elapsed"`
	TotalDueCents  int64 `json:"total_due_cents"`
	TotalPaidCents int64 `json:"total_paid_cents"`
	// AmountOwedCents may be zero or negative when the tenant is current or
	// has overpaid.
	AmountOwedCents int64 `json:"amount_owed_cents"`
}

// ComputeOwed returns rent accrued since the lease start less payments made.
// Rent is due at the start of every period including the first, so a lease
// is always at least one period in.
func ComputeOwed(lease ledger.Lease, payments []ledger.Payment, now time.Time) Owed {
	periods := MonthsBetween(lease.StartDate, now) + 1
	if periods < 1 {
		periods = 1
	}
	var paid int64
	for _, p := range payments {
		paid += p.AmountCents
	}
	due := int64(periods) * lease.RentCents
	return Owed{
		PeriodsElapsed:  periods,
		TotalDueCents:   due,
		TotalPaidCents:  paid,
		AmountOwedCents: due - paid,
	}
}

// ComputeDaysOverdue counts days since the last payment (or the lease start
// when there are none). It is 0 when nothing is owed and at least 1
// otherwise.
func ComputeDaysOverdue(lease ledger.Lease, payments []ledger.Payment, now time.Time) int {
	if ComputeOwed(lease, payments, now).AmountOwedCents <= 0 {
		return 0
	}
	last := lease.StartDate
	if len(payments) > 0 {
		last = payments[0].PaymentDate
		for _, p := range payments[1:] {
			if p.PaymentDate.After(last) {
				last = p.PaymentDate
			}
		}
	}
	days := DaysBetween(last, now)
	if days < 1 {
		days = 1
	}
	return days
}

// ComputeNextDueDate returns the next rent due date not before now. Rent
// falls at midnight UTC on the lease start's day of month, clamped to shorter
// months, so once a due day has begun the next one is a month later. A lease
// that has not started yet is next due on its start date.
func ComputeNextDueDate(lease ledger.Lease, now time.Time) time.Time {
	today := dateOf(now)
	start := dateOf(lease.StartDate)
	if start.After(today) {
		return start
	}
	due := onDay(today.Year(), today.Month(), start.Day())
	if due.Before(now.UTC()) {
		due = onDay(today.Year(), today.Month()+1, start.Day())
	}
	return due
}

// DaysUntil is the number of whole days from today until due, never
// negative.
func DaysUntil(due, now time.Time) int {
	d := DaysBetween(now, due)
	if d < 0 {
		return 0
	}
	return d
}

// MonthsBetween counts whole months from start to now. A month is complete
// once now's day of month reaches start's, clamped to the length of now's
// month, so a lease starting on the 31st completes a month on Feb 29. The
// result is negative when now precedes start.
func MonthsBetween(start, now time.Time) int {
	s, n := dateOf(start), dateOf(now)
	if n.Before(s) {
		return -MonthsBetween(now, start) - 1
	}
	months := (n.Year()-s.Year())*12 + int(n.Month()-s.Month())
	if n.Day() < clampDay(n.Year(), n.Month(), s.Day()) {
		months--
	}
	return months
}

// DaysBetween counts calendar days from a to b in UTC.
func DaysBetween(a, b time.Time) int {
	return int(dateOf(b).Sub(dateOf(a)).Hours() / 24)
}

func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func clampDay(year int, month time.Month, day int) int {
	if n := daysIn(year, month); day > n {
		return n
	}
	return day
}

// onDay builds a date with day clamped to the month's length. month may
// overflow into the next year.
func onDay(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return time.Date(first.Year(), first.Month(), clampDay(first.Year(), first.Month(), day), 0, 0, 0, 0, time.UTC)
}
