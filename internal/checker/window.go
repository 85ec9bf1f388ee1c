package checker

import (
	"time"

	"github.com/JakeFAU/pagewatch/internal/extract"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Cutoff returns the start of the update window ending at now.
func Cutoff(now time.Time, rangeDays int) time.Time {
	if rangeDays <= 0 {
		rangeDays = watch.DefaultSettings().UpdateRangeDays
	}
	return now.Add(-time.Duration(rangeDays) * 24 * time.Hour)
}

// NewItemsSince walks candidates in page order and returns those uploaded
// after cutoff, stopping at the previously seen cursor id.
func NewItemsSince(cands []extract.Candidate, cursor string, cutoff time.Time) []extract.Candidate {
	var out []extract.Candidate
	for _, c := range cands {
		if cursor != "" && c.ExternalID == cursor {
			break
		}
		if c.UploadTime.After(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// Latest returns the candidate with the newest upload time after cutoff. Ties
// keep the one listed first.
func Latest(cands []extract.Candidate, cutoff time.Time) (extract.Candidate, bool) {
	var (
		best  extract.Candidate
		found bool
	)
	for _, c := range cands {
		if !c.UploadTime.After(cutoff) {
			continue
		}
		if !found || c.UploadTime.After(best.UploadTime) {
			best, found = c, true
		}
	}
	return best, found
}

// AdaptFrequency shortens the recheck interval of a source that produced new
// items and lengthens it after a streak of empty checks.
func AdaptFrequency(src *watch.Source, newItems int) {
	freq := src.UpdateFrequency
	if freq <= 0 {
		freq = watch.DefaultUpdateFrequency
	}
	if newItems > 0 {
		src.ConsecutiveNoUpdate = 0
		src.UpdateFrequency = max(watch.MinUpdateFrequency, freq-1)
		return
	}
	src.ConsecutiveNoUpdate++
	if src.ConsecutiveNoUpdate >= noUpdateStreak {
		freq = min(watch.MaxUpdateFrequency, freq+2)
	}
	src.UpdateFrequency = freq
}

// ShouldCheckNow reports whether src is due. A source with frequency f waits
// f*24/7 hours between checks; one that was never checked is always due.
func ShouldCheckNow(src watch.Source, now time.Time) bool {
	if src.LastCheckTime == nil {
		return true
	}
	freq := src.UpdateFrequency
	if freq <= 0 {
		freq = watch.DefaultUpdateFrequency
	}
	interval := time.Duration(freq) * 24 * time.Hour / 7
	return now.Sub(*src.LastCheckTime) >= interval
}
