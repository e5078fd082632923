package billing

import "time"

// EndOfMonthDay is the billing day stored for accounts billed on the last day of each month.
const EndOfMonthDay = 0

// DaysIn returns the number of days in the month of t
func DaysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

// IsLastDayOfMonth reports whether t falls on the final day of its month
func IsLastDayOfMonth(t time.Time) bool {
	return t.Day() == DaysIn(t)
}

// DueBillingDays returns the billing_day values selected on date.
//
// Without an override an account is due when its billing day equals the
// day of month, or when the date is the last day of the month and the
// account is billed at month end. With clamp set, the last day of a short
// month also picks up billing days the month does not have (31 in April,
// 29 to 31 in a common February).
//
// An override replaces the day of month: 1..31 selects that billing day
// and 0 selects the month-end accounts, regardless of date.
func DueBillingDays(date time.Time, override *int, clamp bool) []int {
	if override != nil {
		return []int{*override}
	}

	day := date.Day()
	days := []int{day}
	if IsLastDayOfMonth(date) {
		days = append(days, EndOfMonthDay)
		if clamp {
			for d := day + 1; d <= 31; d++ {
				days = append(days, d)
			}
		}
	}
	return days
}

// BillingDate normalizes t to midnight in loc
func BillingDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// PeriodBounds returns the service window that starts on the run date and
// ends the day before the same date next month. The next-month date is
// clamped to that month's length so a run on Jan 31 never spills into March.
func PeriodBounds(date time.Time) (start, end time.Time) {
	start = date
	y, m, d := date.Date()
	next := time.Date(y, m+1, 1, 0, 0, 0, 0, date.Location())
	if d > DaysIn(next) {
		d = DaysIn(next)
	}
	end = time.Date(next.Year(), next.Month(), d, 0, 0, 0, 0, date.Location()).AddDate(0, 0, -1)
	return start, end
}

// DueDate returns the payment due date, dueDays after the run date
func DueDate(date time.Time, dueDays int) time.Time {
	return date.AddDate(0, 0, dueDays)
}
