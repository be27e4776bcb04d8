// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package models defines the shared data model that flows through the
// Trendwire processing engine: raw and normalized messages, extracted
// events, trend clusters, and per-source authority records.
//
// Ownership rules:
//   - RawMessage and NormalizedMessage are immutable after creation.
//   - Event is mutated only by the correlation engine (cluster assignment).
//   - TrendCluster holds member event IDs, never live Event references,
//     so ownership stays a tree (Event carries ClusterID as a back-index).
package models

import (
	"sort"
	"time"
)

// SourceClass is the editorial class of an origin channel.
type SourceClass string

const (
	ClassArab  SourceClass = "arab"
	ClassSmart SourceClass = "smart"
)

// RawMessage is a message as delivered by the chat-network listener.
// Immutable; retained at least until its event is emitted or evicted.
type RawMessage struct {
	SourceID    string      // stable identifier of the origin channel
	SourceClass SourceClass // arab or smart
	MessageID   int64       // unique within the source
	ArrivedAt   time.Time   // monotonic arrival timestamp
	Text        string      // original text
	ReplyTo     int64       // optional message_id this replies to (0 = none)
	MediaRefs   []string    // opaque media references, never downloaded
}

// NormalizedMessage is the canonical form of a RawMessage.
// Two raw messages with textually equivalent content produce the same Hash.
type NormalizedMessage struct {
	Raw       RawMessage
	TextNorm  string // canonicalized text (see normalizer package)
	Hash      string // hex SHA-1 of TextNorm (160 bits)
	LangGuess string // "ar", "he", "en", or "und"
	Empty     bool   // normalized text is empty; pipeline drops the message
}

// EventKind enumerates the structured event categories the extractor emits.
type EventKind string

const (
	KindStrike    EventKind = "strike"
	KindMovement  EventKind = "movement"
	KindCasualty  EventKind = "casualty"
	KindClaim     EventKind = "claim"
	KindStatement EventKind = "statement"
	KindOther     EventKind = "other"
)

// ValidKind reports whether k is one of the enumerated event kinds.
func ValidKind(k EventKind) bool {
	switch k {
	case KindStrike, KindMovement, KindCasualty, KindClaim, KindStatement, KindOther:
		return true
	}
	return false
}

// Specific reports whether k names a concrete occurrence, as opposed to the
// claim/statement kinds that may attach to clusters of any specific kind.
func (k EventKind) Specific() bool {
	return k != KindClaim && k != KindStatement
}

// Event is the structured record produced by the extractor from one or more
// messages referring to a single happening.
type Event struct {
	EventID        string
	ClusterID      string // back-index into the owning cluster, "" while unassigned
	MessageRefs    []string
	Kind           EventKind
	Location       string
	Lat, Lon       float64 // optional coordinates; both zero when absent
	HasCoords      bool
	Entities       []string
	TimeHint       *time.Time // reported time, nil when the report carries none
	Summary        string     // short neutral text
	ConfidenceSelf float64    // [0,1] self-reported by the extractor
	SourceID       string
	SourceClass    SourceClass
	CreatedAt      time.Time
}

// ClusterState is the lifecycle state of a TrendCluster.
type ClusterState string

const (
	ClusterOpen       ClusterState = "open"
	ClusterEmitted    ClusterState = "emitted"
	ClusterSuperseded ClusterState = "superseded"
)

// TrendCluster groups events believed to describe the same real-world
// occurrence across sources.
//
// Invariants: len(Members) >= 1; Sources is exactly the set of member
// source IDs, so len(Sources) <= len(Members).
type TrendCluster struct {
	ClusterID     string
	Members       []Event
	Sources       map[string]struct{}
	SourceClasses map[SourceClass]struct{}
	FirstSeen     time.Time
	LastUpdated   time.Time
	State         ClusterState
	AuthoritySum  float64 // cached sum of member source scores
}

// SourceIDs returns the cluster's source set as a sorted slice.
func (c *TrendCluster) SourceIDs() []string {
	out := make([]string, 0, len(c.Sources))
	for s := range c.Sources {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CrossClass reports whether both editorial classes contributed members.
func (c *TrendCluster) CrossClass() bool {
	_, arab := c.SourceClasses[ClassArab]
	_, smart := c.SourceClasses[ClassSmart]
	return arab && smart
}

// SourceAuthority is the per-source credibility record.
type SourceAuthority struct {
	SourceID       string
	Score          float64 // [0,100], initial 50
	Corroborations int64   // events that joined a cluster confirmed by >= MIN_SOURCES
	Contradictions int64   // events whose cluster split or was superseded
	LastUpdate     time.Time
}

// DefaultAuthorityScore is the score assigned to a source on first contact.
const DefaultAuthorityScore = 50.0
