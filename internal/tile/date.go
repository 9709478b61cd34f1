package tile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "20060102"

// DateTag is a calendar date attached to one acquisition.
type DateTag struct {
	t time.Time
}

// ParseDate parses YYYYMMDD.
func ParseDate(s string) (DateTag, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return DateTag{}, fmt.Errorf("invalid date %q (want YYYYMMDD): %w", s, err)
	}
	return DateTag{t: t}, nil
}

// NewDate builds a DateTag from its parts.
func NewDate(year int, month time.Month, day int) DateTag {
	return DateTag{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d DateTag) String() string  { return d.t.Format(dateLayout) }
func (d DateTag) Time() time.Time { return d.t }
func (d DateTag) Year() int       { return d.t.Year() }
func (d DateTag) Month() int      { return int(d.t.Month()) }
func (d DateTag) Day() int        { return d.t.Day() }
func (d DateTag) IsZero() bool    { return d.t.IsZero() }

// MonthDay drops the year.
func (d DateTag) MonthDay() MonthDay { return MonthDay{Month: d.Month(), Day: d.Day()} }

func (d DateTag) Before(o DateTag) bool { return d.t.Before(o.t) }
func (d DateTag) After(o DateTag) bool  { return d.t.After(o.t) }
func (d DateTag) Equal(o DateTag) bool  { return d.t.Equal(o.t) }

// DecimalYear is year + (day-of-year - 1) / days-in-year.
func (d DateTag) DecimalYear() float64 {
	y := d.t.Year()
	days := 365
	if isLeap(y) {
		days = 366
	}
	return float64(y) + float64(d.t.YearDay()-1)/float64(days)
}

// AddMonths shifts by n calendar months, clamping the day to the target month length.
func (d DateTag) AddMonths(n int) DateTag {
	y, m := d.t.Year(), int(d.t.Month())-1+n
	y += m / 12
	m %= 12
	if m < 0 {
		m += 12
		y--
	}
	day := d.t.Day()
	if last := daysIn(time.Month(m+1), y); day > last {
		day = last
	}
	return NewDate(y, time.Month(m+1), day)
}

// DaysBetween returns the absolute day difference.
func DaysBetween(a, b DateTag) int {
	h := a.t.Sub(b.t).Hours()
	if h < 0 {
		h = -h
	}
	return int(h/24 + 0.5)
}

var dateRe = regexp.MustCompile(`(19|20)\d{6}`)

// ExtractDate returns the first valid YYYYMMDD embedded in a file name.
func ExtractDate(name string) (DateTag, bool) {
	for _, m := range dateRe.FindAllString(name, -1) {
		if d, err := ParseDate(m); err == nil {
			return d, true
		}
	}
	return DateTag{}, false
}

// Nearest picks the candidate closest to target; ties go to the more recent date.
// It returns -1 for an empty slice.
func Nearest(target DateTag, candidates []DateTag) int {
	best := -1
	for i, c := range candidates {
		if best < 0 {
			best = i
			continue
		}
		dc, db := DaysBetween(c, target), DaysBetween(candidates[best], target)
		if dc < db || (dc == db && c.After(candidates[best])) {
			best = i
		}
	}
	return best
}

// MonthDay is a recurring month-day.
type MonthDay struct {
	Month int
	Day   int
}

// ParseMonthDay parses MMDD.
func ParseMonthDay(s string) (MonthDay, error) {
	if len(s) != 4 {
		return MonthDay{}, fmt.Errorf("invalid month-day %q (want MMDD)", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return MonthDay{}, fmt.Errorf("invalid month-day %q: %w", s, err)
	}
	md := MonthDay{Month: n / 100, Day: n % 100}
	if md.Month < 1 || md.Month > 12 || md.Day < 1 || md.Day > daysIn(time.Month(md.Month), 2000) {
		return MonthDay{}, fmt.Errorf("invalid month-day %q", s)
	}
	return md, nil
}

func (m MonthDay) String() string { return fmt.Sprintf("%02d%02d", m.Month, m.Day) }

func (m MonthDay) key() int { return m.Month*100 + m.Day }

// Distance is the seasonal distance |Δmonth·31 + Δday|.
func (m MonthDay) Distance(o MonthDay) int {
	v := (m.Month-o.Month)*31 + (m.Day - o.Day)
	if v < 0 {
		return -v
	}
	return v
}

// SeasonWindow is a month-day range that may wrap across the year boundary.
type SeasonWindow struct {
	Start MonthDay
	End   MonthDay
}

// Contains reports whether d's month-day falls inside the window (inclusive).
func (w SeasonWindow) Contains(d DateTag) bool {
	k, s, e := d.MonthDay().key(), w.Start.key(), w.End.key()
	if s <= e {
		return k >= s && k <= e
	}
	return k >= s || k <= e
}

func (w SeasonWindow) String() string { return w.Start.String() + "-" + w.End.String() }

// ParseWindow parses "MMDD,MMDD" (a dash separator is accepted too).
func ParseWindow(s string) (SeasonWindow, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '-' })
	if len(parts) != 2 {
		return SeasonWindow{}, fmt.Errorf("invalid season window %q (want MMDD,MMDD)", s)
	}
	start, err := ParseMonthDay(strings.TrimSpace(parts[0]))
	if err != nil {
		return SeasonWindow{}, err
	}
	end, err := ParseMonthDay(strings.TrimSpace(parts[1]))
	if err != nil {
		return SeasonWindow{}, err
	}
	return SeasonWindow{Start: start, End: end}, nil
}

// DefaultWindow widens the request by two months on each side.
func DefaultWindow(start, end DateTag) SeasonWindow {
	return SeasonWindow{
		Start: start.AddMonths(-2).MonthDay(),
		End:   end.AddMonths(2).MonthDay(),
	}
}

func isLeap(y int) bool { return y%4 == 0 && (y%100 != 0 || y%400 == 0) }

func daysIn(m time.Month, y int) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
