package types

import (
	"fmt"
	"time"
)

// Entry is one recorded status transition.
type Entry struct {
	Timestamp time.Time
	From      Status
	To        Status
}

// String formats the entry as "[<timestamp>]: <from> -> <to>".
func (e Entry) String() string {
	return fmt.Sprintf("[%s]: %s -> %s", formatTime(e.Timestamp), e.From, e.To)
}

// History is an ordered, append-only log of status transitions.
// The zero value is an empty history whose current status is idle.
type History struct {
	entries []Entry
}

// Append records from -> to at ts.
//
// The transition must be allowed by CanTransition and must start from the
// current status; otherwise a *TransitionError is returned and the history is
// left unchanged. A ts outside years 0000-9999 cannot be written to data.json
// and fails with ErrUnencodable. Prior entries are never modified.
func (h *History) Append(from, to Status, ts time.Time) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to, Current: h.Current()}
	}
	if cur := h.Current(); cur != from {
		return &TransitionError{From: from, To: to, Current: cur}
	}
	if err := checkTimestamp(ts); err != nil {
		return err
	}
	h.entries = append(h.entries, Entry{Timestamp: normalizeTime(ts), From: from, To: to})
	return nil
}

// Current returns the target status of the last entry, or InitialStatus.
func (h History) Current() Status {
	if len(h.entries) == 0 {
		return InitialStatus
	}
	return h.entries[len(h.entries)-1].To
}

// Last returns the most recent entry.
func (h History) Last() (Entry, bool) {
	if len(h.entries) == 0 {
		return Entry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// Len returns the number of recorded transitions.
func (h History) Len() int {
	return len(h.entries)
}

// Entries returns a copy of the log in append order.
func (h History) Entries() []Entry {
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h History) clone() History {
	if len(h.entries) == 0 {
		return History{}
	}
	return History{entries: h.Entries()}
}

func (h History) equal(o History) bool {
	if len(h.entries) != len(o.entries) {
		return false
	}
	return commonPrefix(h, o) == len(h.entries)
}

// isPrefixOf reports whether every entry of h starts o in the same order.
func (h History) isPrefixOf(o History) bool {
	return len(h.entries) <= len(o.entries) && commonPrefix(h, o) == len(h.entries)
}

func commonPrefix(a, b History) int {
	n := 0
	for n < len(a.entries) && n < len(b.entries) && sameEntry(a.entries[n], b.entries[n]) {
		n++
	}
	return n
}

func sameEntry(a, b Entry) bool {
	return a.From == b.From && a.To == b.To && a.Timestamp.Equal(b.Timestamp)
}

// normalizeTime drops the monotonic reading and pins the location to UTC so
// a timestamp compares equal to its own RFC 3339 round trip.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Round(0)
}

// checkTimestamp rejects times RFC 3339 cannot represent.
func checkTimestamp(t time.Time) error {
	if y := t.UTC().Year(); y < 0 || y > 9999 {
		return fmt.Errorf("%w: timestamp year %d outside 0000-9999", ErrUnencodable, y)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return normalizeTime(t), nil
}
