// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package pipeline

import "strings"

// urgentMarkers flag messages that should not wait for a full batch or
// the age trigger. Arabic and Hebrew breaking-news vocabulary from the
// source corpus.
var urgentMarkers = []string{
	// Arabic
	"عاجل", "انفجار", "انفجارات", "اشتباك", "هجوم", "غارة",
	"قتلى", "مقتل", "إصابة", "ازدحام", "قطع طرق", "أزمة سير",
	"احتجاج", "إغلاق", "زحمة", "طوارئ", "حرائق", "حريق", "صاروخ", "درون",
	// Hebrew
	"דחוף", "פיגוע", "ירי", "רקטה", "רקטות", "חיסול", "פיצוץ",
	"אירוע ביטחוני", "חדירה", "עימות", "הרוגים", "פצועים", "התקפה",
}

// urgentEmoji are siren markers channels prepend to breaking reports.
var urgentEmoji = []string{"🚨", "🔴"}

// looksUrgent reports whether a normalized text carries a breaking-news
// marker.
func looksUrgent(text string) bool {
	low := strings.ToLower(text)
	for _, m := range urgentMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	for _, m := range urgentEmoji {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
