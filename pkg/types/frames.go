package types

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxChunks caps how many tasks one Atomize call may generate.
const MaxChunks = 10000

// FrameRange is an inclusive range of frame numbers rendered every Step
// frames. End is the last frame asked for and need not itself be rendered
// when Step does not divide End-Start.
type FrameRange struct {
	Start int
	End   int
	Step  int
}

// NewFrameRange validates and returns a range. A step of 0 means 1.
func NewFrameRange(start, end, step int) (FrameRange, error) {
	if step == 0 {
		step = 1
	}
	r := FrameRange{Start: start, End: end, Step: step}
	return r, r.validate()
}

// SingleFrame returns the range holding only frame.
func SingleFrame(frame int) FrameRange {
	return FrameRange{Start: frame, End: frame, Step: 1}
}

// ParseFrameRange reads "N", "S-E" or "S-E:K".
func ParseFrameRange(s string) (FrameRange, error) {
	s = strings.TrimSpace(s)
	bounds, stepPart, hasStep := strings.Cut(s, ":")
	startPart, endPart, hasEnd := strings.Cut(bounds, "-")

	start, err := strconv.Atoi(startPart)
	if err != nil {
		return FrameRange{}, fmt.Errorf("%w: %q: bad start frame", ErrInvalidFrameRange, s)
	}
	end := start
	if hasEnd {
		if end, err = strconv.Atoi(endPart); err != nil {
			return FrameRange{}, fmt.Errorf("%w: %q: bad end frame", ErrInvalidFrameRange, s)
		}
	}
	step := 1
	if hasStep {
		if step, err = strconv.Atoi(stepPart); err != nil || step < 1 {
			return FrameRange{}, fmt.Errorf("%w: %q: bad step", ErrInvalidFrameRange, s)
		}
	}
	return NewFrameRange(start, end, step)
}

func (r FrameRange) validate() error {
	switch {
	case r.Start < 0:
		return fmt.Errorf("%w: negative start frame %d", ErrInvalidFrameRange, r.Start)
	case r.End < r.Start:
		return fmt.Errorf("%w: end frame %d before start frame %d", ErrInvalidFrameRange, r.End, r.Start)
	case r.Step < 1:
		return fmt.Errorf("%w: step %d", ErrInvalidFrameRange, r.Step)
	}
	return nil
}

// Count returns how many frames the range renders.
func (r FrameRange) Count() int {
	return (r.End-r.Start)/r.Step + 1
}

// Last returns the last frame actually rendered.
func (r FrameRange) Last() int {
	return r.Start + (r.Count()-1)*r.Step
}

func (r FrameRange) IsSingle() bool {
	return r.Start == r.End
}

// Frames lists every rendered frame number in ascending order.
func (r FrameRange) Frames() []int {
	out := make([]int, 0, r.Count())
	for f := r.Start; f <= r.End; f += r.Step {
		out = append(out, f)
	}
	return out
}

// String formats the range as "Frame N", "Frames S to E" or
// "Frames S to E (step: K)". Atomize uses it as the task descriptor.
func (r FrameRange) String() string {
	switch {
	case r.IsSingle():
		return fmt.Sprintf("Frame %d", r.Start)
	case r.Step == 1:
		return fmt.Sprintf("Frames %d to %d", r.Start, r.End)
	default:
		return fmt.Sprintf("Frames %d to %d (step: %d)", r.Start, r.End, r.Step)
	}
}

// Flags returns the renderer arguments for the range: "-f N", "-s S -e E"
// or "-s S -e E -j K".
func (r FrameRange) Flags() []string {
	if r.IsSingle() {
		return []string{"-f", strconv.Itoa(r.Start)}
	}
	flags := []string{"-s", strconv.Itoa(r.Start), "-e", strconv.Itoa(r.End)}
	if r.Step != 1 {
		flags = append(flags, "-j", strconv.Itoa(r.Step))
	}
	return flags
}

// Chunks splits the range into consecutive pieces of at most size frames,
// keeping the step. Every chunk ends on a frame it renders, so a chunk of one
// frame is a single-frame range.
func (r FrameRange) Chunks(size int) ([]FrameRange, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrInvalidFrameRange, size)
	}
	total := r.Count()
	n := (total + size - 1) / size
	if n > MaxChunks {
		return nil, fmt.Errorf("%w: %d chunks exceed the limit of %d", ErrInvalidFrameRange, n, MaxChunks)
	}

	last := r.Last()
	chunks := make([]FrameRange, 0, n)
	for i := 0; i < n; i++ {
		first := r.Start + i*size*r.Step
		end := min(first+(size-1)*r.Step, last)
		step := r.Step
		if first == end {
			step = 1
		}
		chunks = append(chunks, FrameRange{Start: first, End: end, Step: step})
	}
	return chunks, nil
}
