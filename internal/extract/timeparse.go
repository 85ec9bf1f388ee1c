package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

var timeNoise = regexp.MustCompile(`[^\p{L}\p{N}_\s\-:/]+`)

type dateLayout struct {
	re               *regexp.Regexp
	year, month, day int
}

var absoluteDates = []dateLayout{
	{re: regexp.MustCompile(`(\d{4})-(\d{1,2})-(\d{1,2})`), year: 1, month: 2, day: 3},
	{re: regexp.MustCompile(`(\d{1,2})-(\d{1,2})-(\d{4})`), year: 3, month: 2, day: 1},
	{re: regexp.MustCompile(`(\d{1,2})/(\d{1,2})/(\d{4})`), year: 3, month: 1, day: 2},
	{re: regexp.MustCompile(`(\d{4})/(\d{1,2})/(\d{1,2})`), year: 1, month: 2, day: 3},
}

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day

	// maxRelativeSpan keeps count*unit inside time.Duration.
	maxRelativeSpan = math.MaxInt64
)

type relativeUnit struct {
	re   *regexp.Regexp
	unit time.Duration
}

var relativeUnits = []relativeUnit{
	{re: regexp.MustCompile(`(?i)(\d+)\s*days?\s*ago`), unit: day},
	{re: regexp.MustCompile(`(?i)(\d+)\s*hours?\s*ago`), unit: time.Hour},
	{re: regexp.MustCompile(`(?i)(\d+)\s*minutes?\s*ago`), unit: time.Minute},
	{re: regexp.MustCompile(`(?i)(\d+)\s*weeks?\s*ago`), unit: week},
	{re: regexp.MustCompile(`(?i)(\d+)\s*months?\s*ago`), unit: month},
	{re: regexp.MustCompile(`(?i)(\d+)\s*years?\s*ago`), unit: year},
	{re: regexp.MustCompile(`(\d+)\s*天前`), unit: day},
	{re: regexp.MustCompile(`(\d+)\s*个?小时前`), unit: time.Hour},
	{re: regexp.MustCompile(`(\d+)\s*分钟前`), unit: time.Minute},
	{re: regexp.MustCompile(`(\d+)\s*周前`), unit: week},
	{re: regexp.MustCompile(`(\d+)\s*个?月前`), unit: month},
	{re: regexp.MustCompile(`(\d+)\s*年前`), unit: year},
}

var (
	monthFirst = regexp.MustCompile(`(?i)([\p{L}]+)\s+(\d{1,2}),?\s+(\d{4})`)
	dayFirst   = regexp.MustCompile(`(?i)(\d{1,2})\s+([\p{L}]+)\s+(\d{4})`)
)

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

// ParseRelativeTime converts listing time text into an instant relative to now.
// Empty text and the recent label map to now. Text that cannot be understood,
// including spans too long for a time.Duration, also yields now, with ok false.
func ParseRelativeTime(text string, now time.Time) (time.Time, bool) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" || text == watch.RecentLabel {
		return now, true
	}
	text = strings.TrimSpace(timeNoise.ReplaceAllString(text, ""))

	for _, layout := range absoluteDates {
		m := layout.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if t, ok := calendarDate(atoi(m[layout.year]), atoi(m[layout.month]), atoi(m[layout.day]), now.Location()); ok {
			return t, true
		}
	}

	for _, rel := range relativeUnits {
		if m := rel.re.FindStringSubmatch(text); m != nil {
			n, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil || n > maxRelativeSpan/int64(rel.unit) {
				return now, false
			}
			return now.Add(-time.Duration(n) * rel.unit), true
		}
	}

	if m := monthFirst.FindStringSubmatch(text); m != nil {
		if mon, ok := monthNames[strings.ToLower(m[1])]; ok {
			if t, ok := calendarDate(atoi(m[3]), int(mon), atoi(m[2]), now.Location()); ok {
				return t, true
			}
		}
	}
	if m := dayFirst.FindStringSubmatch(text); m != nil {
		if mon, ok := monthNames[strings.ToLower(m[2])]; ok {
			if t, ok := calendarDate(atoi(m[3]), int(mon), atoi(m[1]), now.Location()); ok {
				return t, true
			}
		}
	}

	return now, false
}

// calendarDate rejects dates that time.Date would silently normalize.
func calendarDate(y, m, d int, loc *time.Location) (time.Time, bool) {
	if m < 1 || m > 12 || d < 1 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, loc)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
