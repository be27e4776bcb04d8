// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package extractor

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tomtom215/trendwire/internal/models"
	"github.com/tomtom215/trendwire/internal/validation"
)

// wireEvent is the strict schema the model must emit, one element per
// extracted event. Invalid payloads never propagate past this package.
type wireEvent struct {
	Kind             string   `json:"kind" validate:"required,oneof=strike movement casualty claim statement other"`
	Location         string   `json:"location"`
	Entities         []string `json:"entities"`
	TimeHint         string   `json:"time_hint"` // RFC 3339 or ""
	Summary          string   `json:"summary" validate:"required,max=600"`
	ConfidenceSelf   float64  `json:"confidence_self" validate:"gte=0,lte=1"`
	SourceMsgIndices []int    `json:"source_msg_indices" validate:"required,min=1,dive,gte=0"`
}

var fenceRE = regexp.MustCompile("(?m)^```(?:json)?\\s*$")

// decodeEvents parses and validates the model output against the schema.
// Markdown fences around the JSON are tolerated; everything else is not.
func decodeEvents(raw string, batch []models.NormalizedMessage) ([]models.Event, error) {
	cleaned := strings.TrimSpace(fenceRE.ReplaceAllString(raw, ""))
	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("%w: no JSON array in response", ErrSchemaInvalid)
	}

	var wire []wireEvent
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}

	events := make([]models.Event, 0, len(wire))
	for i, w := range wire {
		if err := validation.ValidateStruct(&w); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrSchemaInvalid, i, err)
		}
		for _, idx := range w.SourceMsgIndices {
			if idx >= len(batch) {
				return nil, fmt.Errorf("%w: element %d references message %d of %d",
					ErrSchemaInvalid, i, idx, len(batch))
			}
		}

		first := batch[w.SourceMsgIndices[0]]
		ev := models.Event{
			Kind:           models.EventKind(w.Kind),
			Location:       strings.TrimSpace(w.Location),
			Entities:       dedupeStrings(w.Entities),
			Summary:        strings.TrimSpace(w.Summary),
			ConfidenceSelf: w.ConfidenceSelf,
			SourceID:       first.Raw.SourceID,
			SourceClass:    first.Raw.SourceClass,
			CreatedAt:      time.Now().UTC(),
		}
		for _, idx := range w.SourceMsgIndices {
			ev.MessageRefs = append(ev.MessageRefs, batch[idx].Hash)
		}
		if w.TimeHint != "" {
			t, err := time.Parse(time.RFC3339, w.TimeHint)
			if err != nil {
				return nil, fmt.Errorf("%w: element %d time_hint %q", ErrSchemaInvalid, i, w.TimeHint)
			}
			ev.TimeHint = &t
		}
		events = append(events, ev)
	}
	return events, nil
}

// dedupeStrings trims, drops empties, and removes case-insensitive
// duplicates while preserving order.
func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
