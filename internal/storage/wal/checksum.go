package wal

// ============================================================================
// Checksums
// Responsibility: compute and verify the CRC32 of journal events
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
	"time"
)

// CalculateChecksum returns the CRC32-IEEE of every field except Checksum.
func CalculateChecksum(event Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(event.Seq, 10))
	for _, field := range []string{
		string(event.Type),
		event.JobID,
		event.TaskID,
		string(event.From),
		string(event.To),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.Payload,
	} {
		// length prefix keeps field boundaries unambiguous
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(len(field)))
		b.WriteByte(':')
		b.WriteString(field)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum reports whether the stored checksum matches the content.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}

func verify(event Event) error {
	if expected := CalculateChecksum(event); expected != event.Checksum {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
