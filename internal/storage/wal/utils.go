package wal

// ============================================================================
// Journal utilities
// Responsibility: inspection helpers used at startup and by the CLI
// ============================================================================

import (
	"fmt"
	"io"
)

// GetLastEvent returns the last event of the journal at path.
// Returns ErrEmptyWAL when the file holds no events.
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := scan(path, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents returns the number of valid events in the journal.
func CountEvents(path string) (int, error) {
	n := 0
	err := scan(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL checks that every record parses, every checksum matches and
// sequence numbers are consecutive.
func ValidateWAL(path string) error {
	var lastSeq uint64
	first := true
	return scan(path, func(event Event) error {
		if !first && event.Seq != lastSeq+1 {
			return fmt.Errorf("%w: seq=%d follows seq=%d", ErrSequenceGap, event.Seq, lastSeq)
		}
		first = false
		lastSeq = event.Seq
		return nil
	})
}

// DumpWAL writes one human readable line per event to w.
func DumpWAL(path string, w io.Writer) error {
	return scan(path, func(event Event) error {
		_, err := fmt.Fprintln(w, event.String())
		return err
	})
}

// GetWALStats scans the journal and summarizes it.
func GetWALStats(path string) (*Stats, error) {
	stats := &Stats{EventTypes: make(map[EventType]int)}
	err := scan(path, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.FirstTime = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		stats.LastTime = event.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
