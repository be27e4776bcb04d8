// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package correlation

import (
	"strings"
	"time"

	"github.com/tomtom215/trendwire/internal/models"
)

// sigKey is the coarse signature the cluster index is keyed by.
type sigKey struct {
	kind   models.EventKind
	locTok string
	bucket int64
}

// adminSuffixes are administrative qualifiers stripped when reducing a
// location to its token. Matching is on the leading placename only.
var adminSuffixes = map[string]struct{}{
	"governorate": {}, "province": {}, "district": {}, "region": {},
	"city": {}, "town": {}, "village": {}, "camp": {},
	"محافظة": {}, "مدينة": {}, "قرية": {}, "مخيم": {},
	"מחוז": {}, "עיר": {},
}

// canonicalLocation reduces a location string to its comparable form:
// lowercased, punctuation trimmed per field, administrative qualifiers
// removed, single-spaced.
func canonicalLocation(location string) string {
	var fields []string
	for _, f := range strings.Fields(strings.ToLower(location)) {
		f = strings.Trim(f, ".,;:!?()[]\"'،؛")
		if f == "" {
			continue
		}
		if _, admin := adminSuffixes[f]; admin {
			continue
		}
		fields = append(fields, f)
	}
	return strings.Join(fields, " ")
}

// locationToken is the first field of the canonical location, the
// coarse key the cluster index uses.
func locationToken(location string) string {
	c := canonicalLocation(location)
	if c == "" {
		return ""
	}
	if i := strings.IndexByte(c, ' '); i >= 0 {
		return c[:i]
	}
	return c
}

// timeBucket quantizes a timestamp to 15-minute windows.
func timeBucket(t time.Time, width time.Duration) int64 {
	return t.Unix() / int64(width.Seconds())
}

// eventTime is the timestamp used for bucketing: the reported time when
// the extractor produced one, ingestion time otherwise.
func eventTime(ev models.Event) time.Time {
	if ev.TimeHint != nil {
		return *ev.TimeHint
	}
	return ev.CreatedAt
}

// denialMarkers flag summaries that explicitly negate an earlier report.
// Arabic, Hebrew, and English markers from the source corpus.
var denialMarkers = []string{
	// English
	"no strike", "false alarm", "denie", "denial", "retract",
	"did not occur", "untrue", "false report",
	// Arabic
	"نفى", "نفي", "لا صحة", "شائعة", "خبر كاذب",
	// Hebrew
	"הכחיש", "הכחשה", "לא נכון", "אזעקת שווא", "לא אירע", "ידיעה כוזבת",
}

// isDenial reports whether a summary negates a prior report.
func isDenial(summary string) bool {
	low := strings.ToLower(summary)
	for _, m := range denialMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}
