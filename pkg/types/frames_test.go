package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// FrameRange
// ============================================================================

func TestFrameRangeFrames(t *testing.T) {
	r, err := NewFrameRange(1, 12, 5)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 6, 11}, r.Frames())
	assert.Equal(t, 3, r.Count())
	assert.Equal(t, 11, r.Last())
	assert.False(t, r.IsSingle())

	r, err = NewFrameRange(3, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, r.Frames())
	assert.True(t, r.IsSingle())
}

func TestFrameRangeFormatting(t *testing.T) {
	tests := []struct {
		r     FrameRange
		str   string
		flags []string
	}{
		{SingleFrame(7), "Frame 7", []string{"-f", "7"}},
		{FrameRange{1, 250, 1}, "Frames 1 to 250", []string{"-s", "1", "-e", "250"}},
		{FrameRange{1, 250, 10}, "Frames 1 to 250 (step: 10)", []string{"-s", "1", "-e", "250", "-j", "10"}},
	}

	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			assert.Equal(t, tt.str, tt.r.String())
			assert.Equal(t, tt.flags, tt.r.Flags())
		})
	}
}

func TestParseFrameRange(t *testing.T) {
	tests := []struct {
		in   string
		want FrameRange
	}{
		{"42", FrameRange{42, 42, 1}},
		{"1-250", FrameRange{1, 250, 1}},
		{" 1-250:10 ", FrameRange{1, 250, 10}},
		{"0-0", FrameRange{0, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFrameRange(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFrameRangeInvalid(t *testing.T) {
	for _, in := range []string{"", "a", "1-", "-5", "10-1", "1-10:0", "1-10:-2", "1-10:x", "1-2-3"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseFrameRange(in)
			assert.ErrorIs(t, err, ErrInvalidFrameRange)
		})
	}
}

// ============================================================================
// Chunking
// ============================================================================

func TestFrameRangeChunks(t *testing.T) {
	tests := []struct {
		name string
		r    FrameRange
		size int
		want []FrameRange
	}{
		{
			"one task per frame",
			FrameRange{1, 3, 1}, 1,
			[]FrameRange{SingleFrame(1), SingleFrame(2), SingleFrame(3)},
		},
		{
			"short last chunk",
			FrameRange{1, 10, 1}, 3,
			[]FrameRange{{1, 3, 1}, {4, 6, 1}, {7, 9, 1}, SingleFrame(10)},
		},
		{
			"chunks keep the step",
			FrameRange{1, 250, 10}, 10,
			[]FrameRange{{1, 91, 10}, {101, 191, 10}, {201, 241, 10}},
		},
		{
			"end not on a step",
			FrameRange{1, 12, 5}, 2,
			[]FrameRange{{1, 6, 5}, SingleFrame(11)},
		},
		{
			"chunk larger than range",
			FrameRange{5, 8, 1}, 100,
			[]FrameRange{{5, 8, 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := tt.r.Chunks(tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.want, chunks)

			var frames []int
			for _, c := range chunks {
				frames = append(frames, c.Frames()...)
			}
			assert.Equal(t, tt.r.Frames(), frames)
		})
	}
}

func TestFrameRangeChunksInvalid(t *testing.T) {
	_, err := FrameRange{1, 10, 1}.Chunks(0)
	assert.ErrorIs(t, err, ErrInvalidFrameRange)

	_, err = FrameRange{10, 1, 1}.Chunks(1)
	assert.ErrorIs(t, err, ErrInvalidFrameRange)

	_, err = FrameRange{0, MaxChunks, 1}.Chunks(1)
	assert.ErrorIs(t, err, ErrInvalidFrameRange)

	chunks, err := FrameRange{0, MaxChunks - 1, 1}.Chunks(1)
	require.NoError(t, err)
	assert.Len(t, chunks, MaxChunks)
}

// ============================================================================
// Atomize
// ============================================================================

func TestJobAtomize(t *testing.T) {
	j := newTestJob(t, "job1")
	require.NoError(t, j.AddTask(NewTask("setup", "bake")))

	ids, err := j.Atomize(FrameRange{1, 250, 10}, 10)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	tasks := j.Tasks()
	require.Len(t, tasks, 4)
	assert.Equal(t, "setup", tasks[0].ID())
	want := []string{"Frames 1 to 91 (step: 10)", "Frames 101 to 191 (step: 10)", "Frames 201 to 241 (step: 10)"}
	for i, id := range ids {
		assert.Equal(t, id, tasks[i+1].ID())
		assert.Equal(t, want[i], tasks[i+1].Descriptor())
		assert.Equal(t, StatusIdle, tasks[i+1].Status())
	}
	assert.True(t, j.UpdatedAt().After(j.CreatedAt()))

	_, back := roundTrip(t, j)
	assert.True(t, j.Equal(back))
}

func TestJobAtomizeInvalidLeavesJobUntouched(t *testing.T) {
	j := newTestJob(t, "job1")
	before := j.Clone()

	_, err := j.Atomize(FrameRange{10, 1, 1}, 5)
	assert.ErrorIs(t, err, ErrInvalidFrameRange)
	_, err = j.Atomize(FrameRange{1, 10, 1}, 0)
	assert.ErrorIs(t, err, ErrInvalidFrameRange)
	assert.True(t, before.Equal(j))
}
