package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

func TestParseRelativeTime(t *testing.T) {
	t.Parallel()

	midnight := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	tests := []struct {
		in     string
		want   time.Time
		wantOK bool
	}{
		{in: "", want: fixedNow, wantOK: true},
		{in: watch.RecentLabel, want: fixedNow, wantOK: true},
		{in: "  最近更新 ", want: fixedNow, wantOK: true},
		{in: "2024-03-15", want: midnight(2024, 3, 15), wantOK: true},
		{in: "15-03-2024", want: midnight(2024, 3, 15), wantOK: true},
		{in: "03/15/2024", want: midnight(2024, 3, 15), wantOK: true},
		{in: "2024/3/5", want: midnight(2024, 3, 5), wantOK: true},
		{in: "uploaded 2024-02-30", want: fixedNow, wantOK: false},
		{in: "3 days ago", want: fixedNow.Add(-72 * time.Hour), wantOK: true},
		{in: "1 Hour Ago", want: fixedNow.Add(-time.Hour), wantOK: true},
		{in: "45 minutes ago", want: fixedNow.Add(-45 * time.Minute), wantOK: true},
		{in: "2 weeks ago", want: fixedNow.Add(-14 * 24 * time.Hour), wantOK: true},
		{in: "2 months ago", want: fixedNow.Add(-60 * 24 * time.Hour), wantOK: true},
		{in: "1 year ago", want: fixedNow.Add(-365 * 24 * time.Hour), wantOK: true},
		{in: "5天前", want: fixedNow.Add(-5 * 24 * time.Hour), wantOK: true},
		{in: "3小时前", want: fixedNow.Add(-3 * time.Hour), wantOK: true},
		{in: "10分钟前", want: fixedNow.Add(-10 * time.Minute), wantOK: true},
		{in: "1周前", want: fixedNow.Add(-7 * 24 * time.Hour), wantOK: true},
		{in: "1月前", want: fixedNow.Add(-30 * 24 * time.Hour), wantOK: true},
		{in: "2个月前", want: fixedNow.Add(-60 * 24 * time.Hour), wantOK: true},
		{in: "2年前", want: fixedNow.Add(-2 * 365 * 24 * time.Hour), wantOK: true},
		{in: "March 5, 2024", want: midnight(2024, 3, 5), wantOK: true},
		{in: "Sep 30 2023", want: midnight(2023, 9, 30), wantOK: true},
		{in: "7 July 2022", want: midnight(2022, 7, 7), wantOK: true},
		{in: "Smarch 5, 2024", want: fixedNow, wantOK: false},
		{in: "someday", want: fixedNow, wantOK: false},
		{in: "200 years ago", want: fixedNow.Add(-200 * 365 * 24 * time.Hour), wantOK: true},
		{in: "300 years ago", want: fixedNow, wantOK: false},
		{in: "120000 days ago", want: fixedNow, wantOK: false},
		{in: "300年前", want: fixedNow, wantOK: false},
		{in: "99999999999999999999 minutes ago", want: fixedNow, wantOK: false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseRelativeTime(tc.in, fixedNow)
			assert.Equal(t, tc.wantOK, ok)
			assert.True(t, tc.want.Equal(got), "got %s want %s", got, tc.want)
		})
	}
}

func TestParseRelativeTimeNeverInFuture(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"292 years ago", "293 years ago", "106000 days ago", "15250 weeks ago", "3600个月前"} {
		got, _ := ParseRelativeTime(in, fixedNow)
		assert.False(t, got.After(fixedNow), "%q resolved to %s", in, got)
	}
}

func TestCalendarDateRejectsOverflow(t *testing.T) {
	t.Parallel()

	_, ok := calendarDate(2023, 2, 29, time.UTC)
	assert.False(t, ok)
	_, ok = calendarDate(2024, 13, 1, time.UTC)
	assert.False(t, ok)
	got, ok := calendarDate(2024, 2, 29, time.UTC)
	assert.True(t, ok)
	assert.Equal(t, 29, got.Day())
}
