package types

import (
	"fmt"
	"slices"
)

// MergeFrom folds another copy of the same job into j, typically the copy
// currently on disk, and reports whether j changed.
//
// Histories are append-only, so of two copies the one with fewer entries must
// be a prefix of the other; the longer history wins. Tasks only other knows
// are appended in other's order. For tasks both know, output locations are
// unioned and data keys missing from j are copied. A data key both copies set
// to different values takes other's value only when other was updated later.
// updated_at becomes the later of the two.
//
// Diverged histories, or a different id, created_at, paths or task
// descriptor, fail with ErrMergeConflict and leave j unchanged.
func (j *Job) MergeFrom(other *Job) (bool, error) {
	if other == nil {
		return false, nil
	}
	if j.id != other.id {
		return false, fmt.Errorf("%w: job %q merged with job %q", ErrMergeConflict, j.id, other.id)
	}
	if !j.createdAt.Equal(other.createdAt) {
		return false, fmt.Errorf("%w: job %q: created_at differs", ErrMergeConflict, j.id)
	}
	if j.paths != other.paths {
		return false, fmt.Errorf("%w: job %q: paths differ", ErrMergeConflict, j.id)
	}

	merged := j.Clone()
	otherNewer := other.updatedAt.After(j.updatedAt)

	h, err := mergeHistory(merged.history, other.history)
	if err != nil {
		return false, fmt.Errorf("job %q: %w", j.id, err)
	}
	merged.history = h
	merged.data = mergeData(merged.data, other.data, otherNewer)

	for _, ot := range other.tasks {
		i := merged.indexOf(ot.id)
		if i < 0 {
			merged.tasks = append(merged.tasks, ot.Clone())
			continue
		}
		t := merged.tasks[i]
		if t.descriptor != ot.descriptor {
			return false, fmt.Errorf("%w: job %q: task %q descriptor differs", ErrMergeConflict, j.id, ot.id)
		}
		if t.history, err = mergeHistory(t.history, ot.history); err != nil {
			return false, fmt.Errorf("job %q: task %q: %w", j.id, ot.id, err)
		}
		for _, out := range ot.output {
			if !slices.Contains(t.output, out) {
				t.output = append(t.output, out)
			}
		}
		t.data = mergeData(t.data, ot.data, otherNewer)
	}

	if otherNewer {
		merged.updatedAt = other.updatedAt
	}
	if merged.Equal(j) {
		return false, nil
	}
	*j = *merged
	return true, nil
}

// mergeHistory returns whichever of a and b extends the other.
func mergeHistory(a, b History) (History, error) {
	short, long := a, b
	if a.Len() > b.Len() {
		short, long = b, a
	}
	if !short.isPrefixOf(long) {
		return History{}, fmt.Errorf("%w: histories diverged after %d common entries",
			ErrMergeConflict, commonPrefix(a, b))
	}
	return long.clone(), nil
}

func mergeData(ours, theirs map[string]string, theirsWin bool) map[string]string {
	for k, v := range theirs {
		if cur, ok := ours[k]; ok && (cur == v || !theirsWin) {
			continue
		}
		if ours == nil {
			ours = make(map[string]string, len(theirs))
		}
		ours[k] = v
	}
	return ours
}
