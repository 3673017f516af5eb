// Package bizdate maps source feed dates onto the business date under
// which a day's auction results are filed. Data published for business
// day N is filed under day N+1, with Friday and the weekend collapsing
// onto the following Monday.
package bizdate

import (
	"fmt"
	"time"
)

const layout = "060102" // YYMMDD, 2000-based years

// Parse converts a YYMMDD string into a calendar date.
func Parse(yymmdd string) (time.Time, error) {
	if len(yymmdd) != 6 {
		return time.Time{}, fmt.Errorf("invalid yymmdd %q", yymmdd)
	}
	d, err := time.Parse(layout, yymmdd)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid yymmdd %q: %w", yymmdd, err)
	}
	return d, nil
}

// Format renders a date back to YYMMDD.
func Format(d time.Time) string {
	return d.Format(layout)
}

// NextBusinessDay maps a claimed source date to its storage date:
// Mon-Thu advance one day, Fri/Sat/Sun all land on the following Monday.
// Pure calendar arithmetic; month and year boundaries roll over normally.
func NextBusinessDay(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Friday:
		return d.AddDate(0, 0, 3)
	case time.Saturday:
		return d.AddDate(0, 0, 2)
	default: // Mon-Thu and Sun advance a single day
		return d.AddDate(0, 0, 1)
	}
}

// Resolve maps a claimed YYMMDD source date to its YYMMDD storage date.
func Resolve(yymmdd string) (string, error) {
	d, err := Parse(yymmdd)
	if err != nil {
		return "", err
	}
	return Format(NextBusinessDay(d)), nil
}

// SourceCandidates returns the plausible source dates for a mapped
// storage date, in preference order: Tue-Fri map back to the previous
// day, Monday fans out to Sunday, Saturday, then Friday.
func SourceCandidates(yymmddMapped string) ([]string, error) {
	d, err := Parse(yymmddMapped)
	if err != nil {
		return nil, err
	}
	if wd := d.Weekday(); wd >= time.Tuesday && wd <= time.Friday {
		return []string{Format(d.AddDate(0, 0, -1))}, nil
	}
	return []string{
		Format(d.AddDate(0, 0, -1)),
		Format(d.AddDate(0, 0, -2)),
		Format(d.AddDate(0, 0, -3)),
	}, nil
}
