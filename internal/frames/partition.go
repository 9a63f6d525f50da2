// Package frames computes which frames of a task are still uncovered by its
// subtasks and how far a task has progressed.
package frames

import (
	"github.com/taskmgr818/render-at-home/internal/model"
)

// Range is an inclusive frame range on a task's step grid.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of grid frames in r.
func (r Range) Len(step int) int {
	if r.End < r.Start {
		return 0
	}
	return (r.End-r.Start)/step + 1
}

// coverFunc returns the last frame a subtask covers, and false when it
// covers nothing.
type coverFunc func(s *model.Subtask) (int, bool)

// assignedCover: live subtasks hold their whole range, aborted ones only what
// they delivered before failing.
func assignedCover(s *model.Subtask) (int, bool) {
	if s.Stage != model.SubtaskStageAborted {
		return s.End, true
	}
	return completedCover(s)
}

// completedCover: only frames actually delivered count.
func completedCover(s *model.Subtask) (int, bool) {
	if s.LatestFrame == nil {
		return 0, false
	}
	return *s.LatestFrame, true
}

// Unassigned returns the maximal contiguous ranges of task frames not claimed
// by any subtask, in ascending order.
func Unassigned(task *model.Task, subtasks []*model.Subtask) []Range {
	return uncovered(task, subtasks, assignedCover)
}

// Uncompleted returns the ranges of task frames no subtask has delivered yet.
func Uncompleted(task *model.Task, subtasks []*model.Subtask) []Range {
	return uncovered(task, subtasks, completedCover)
}

// IsFinished holds iff every frame of the task has been delivered.
func IsFinished(task *model.Task, subtasks []*model.Subtask) bool {
	return task.FrameCount() > 0 && len(Uncompleted(task, subtasks)) == 0
}

func uncovered(task *model.Task, subtasks []*model.Subtask, cover coverFunc) []Range {
	n := task.FrameCount()
	if n == 0 {
		return nil
	}
	covered := make([]bool, n)
	for _, s := range subtasks {
		last, ok := cover(s)
		if !ok || last < s.Start {
			continue
		}
		last = min(last, s.End)
		from := max(0, ceilIndex(task, s.Start))
		to := min(n-1, floorIndex(task, last))
		for i := from; i <= to; i++ {
			covered[i] = true
		}
	}

	var out []Range
	open := -1
	for i := 0; i < n; i++ {
		switch {
		case !covered[i] && open < 0:
			open = i
		case covered[i] && open >= 0:
			out = append(out, Range{Start: task.FrameAt(open), End: task.FrameAt(i - 1)})
			open = -1
		}
	}
	if open >= 0 {
		out = append(out, Range{Start: task.FrameAt(open), End: task.FrameAt(n - 1)})
	}
	return out
}

// ceilIndex is the index of the first grid frame ≥ frame.
func ceilIndex(task *model.Task, frame int) int {
	d := frame - task.Start
	if d <= 0 {
		return 0
	}
	return (d + task.Step - 1) / task.Step
}

// floorIndex is the index of the last grid frame ≤ frame.
func floorIndex(task *model.Task, frame int) int {
	d := frame - task.Start
	if d < 0 {
		return -1
	}
	return d / task.Step
}

// Split cuts ranges into at most parts chunks of roughly equal frame counts,
// in ascending order. A chunk never spans two input ranges.
func Split(ranges []Range, step, parts int) []Range {
	if parts <= 0 || len(ranges) == 0 {
		return nil
	}
	total := 0
	for _, r := range ranges {
		total += r.Len(step)
	}
	size := (total + parts - 1) / parts

	var out []Range
	for _, r := range ranges {
		for start := r.Start; start <= r.End && len(out) < parts; {
			end := min(r.End, start+(size-1)*step)
			out = append(out, Range{Start: start, End: end})
			start = end + step
		}
		if len(out) == parts {
			break
		}
	}
	return out
}
