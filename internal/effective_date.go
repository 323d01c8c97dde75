package internal

import "time"

const DateLayout = "2006-01-02"

// EffectiveDate returns the day key a reading made at now belongs to. Once the
// civil hour in loc reaches resetHour the day rolls over to tomorrow.
//
// Every read and write path must go through this function with the same
// resetHour, otherwise the two sides disagree on the partition key.
func EffectiveDate(now time.Time, resetHour int, loc *time.Location) string {
	civil := now.In(loc)
	if civil.Hour() >= resetHour {
		y, m, d := civil.Date()
		civil = time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	}
	return civil.Format(DateLayout)
}
