// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package budget

import (
	"testing"
	"time"
)

// clock is a settable time source for ledger tests.
type clock struct {
	t time.Time
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(hourly, rpm int) (*Ledger, *clock) {
	c := &clock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	l := NewLedger(hourly, rpm)
	l.now = c.now
	return l, c
}

func TestAdmit_UnderBothWindows(t *testing.T) {
	l, _ := newTestLedger(10, 5)
	for i := 0; i < 5; i++ {
		ok, wait := l.Admit()
		if !ok {
			t.Fatalf("call %d: denied, wait %v", i, wait)
		}
	}
	minute, hour := l.Usage()
	if minute != 5 || hour != 5 {
		t.Errorf("Usage() = (%d, %d), want (5, 5)", minute, hour)
	}
}

func TestAdmit_MinuteWindowDenies(t *testing.T) {
	l, c := newTestLedger(100, 3)

	for i := 0; i < 3; i++ {
		if ok, _ := l.Admit(); !ok {
			t.Fatalf("call %d denied under limit", i)
		}
	}

	ok, wait := l.Admit()
	if ok {
		t.Fatal("fourth call admitted over rpm limit")
	}
	// The oldest of the three frees its slot a minute after it was made.
	if wait != time.Minute {
		t.Errorf("wait = %v, want %v", wait, time.Minute)
	}

	// Past the window the slot frees.
	c.advance(61 * time.Second)
	if ok, _ := l.Admit(); !ok {
		t.Error("call denied after minute window passed")
	}
}

func TestAdmit_HourlyWindowDenies(t *testing.T) {
	l, c := newTestLedger(4, 100)

	for i := 0; i < 4; i++ {
		if ok, _ := l.Admit(); !ok {
			t.Fatalf("call %d denied under limit", i)
		}
		c.advance(2 * time.Minute)
	}

	ok, wait := l.Admit()
	if ok {
		t.Fatal("call admitted over hourly limit")
	}
	// First call was 8 minutes ago; it ages out of the hour in 52 minutes.
	if want := 52 * time.Minute; wait != want {
		t.Errorf("wait = %v, want %v", wait, want)
	}

	c.advance(52*time.Minute + time.Second)
	if ok, _ := l.Admit(); !ok {
		t.Error("call denied after hourly slot freed")
	}
}

// The hourly wait dominates when both windows are full.
func TestAdmit_LongestWaitWins(t *testing.T) {
	l, _ := newTestLedger(2, 2)

	l.Admit()
	l.Admit()

	ok, wait := l.Admit()
	if ok {
		t.Fatal("call admitted over both limits")
	}
	if wait != time.Hour {
		t.Errorf("wait = %v, want %v (hourly window dominates)", wait, time.Hour)
	}
}

// Exhaustion does not consume anything: capacity is identical before and
// after a denied probe, so deferred work is not penalized for asking.
func TestAdmit_DenialConsumesNothing(t *testing.T) {
	l, c := newTestLedger(100, 1)

	l.Admit()
	for i := 0; i < 10; i++ {
		if ok, _ := l.Admit(); ok {
			t.Fatal("probe admitted over rpm limit")
		}
	}
	minute, hour := l.Usage()
	if minute != 1 || hour != 1 {
		t.Errorf("Usage() after denied probes = (%d, %d), want (1, 1)", minute, hour)
	}

	c.advance(61 * time.Second)
	if ok, _ := l.Admit(); !ok {
		t.Error("deferred call denied after window freed")
	}
}

func TestPrune_DropsAgedCalls(t *testing.T) {
	l, c := newTestLedger(5, 5)

	l.Admit()
	l.Admit()
	c.advance(2 * time.Hour)

	minute, hour := l.Usage()
	if minute != 0 || hour != 0 {
		t.Errorf("Usage() after 2h = (%d, %d), want (0, 0)", minute, hour)
	}
}
