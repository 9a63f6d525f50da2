package frames

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/render-at-home/internal/model"
)

func intPtr(v int) *int { return &v }

func newTask(start, end, step int) *model.Task {
	return &model.Task{ID: "T-0000_0000_0000_0001", Start: start, End: end, Step: step, Stage: model.TaskStagePending}
}

func sub(start, end int, stage model.SubtaskStage, latest *int) *model.Subtask {
	return &model.Subtask{Start: start, End: end, Stage: stage, LatestFrame: latest, Portion: 1}
}

// expand enumerates every grid frame in the given ranges.
func expand(ranges []Range, step int) []int {
	var out []int
	for _, r := range ranges {
		for f := r.Start; f <= r.End; f += step {
			out = append(out, f)
		}
	}
	return out
}

func TestUnassigned_AbortedAfterFrame26(t *testing.T) {
	task := newTask(0, 52, 13)
	subs := []*model.Subtask{sub(0, 52, model.SubtaskStageAborted, intPtr(26))}

	assert.Equal(t, []Range{{Start: 39, End: 52}}, Unassigned(task, subs))
}

func TestUnassigned(t *testing.T) {
	tests := []struct {
		name string
		task *model.Task
		subs []*model.Subtask
		want []Range
	}{
		{
			name: "no subtasks",
			task: newTask(1, 10, 1),
			want: []Range{{1, 10}},
		},
		{
			name: "end not on grid",
			task: newTask(0, 10, 4),
			want: []Range{{0, 8}},
		},
		{
			name: "gap in the middle",
			task: newTask(0, 9, 1),
			subs: []*model.Subtask{
				sub(0, 2, model.SubtaskStageRunning, nil),
				sub(7, 9, model.SubtaskStageFinished, intPtr(9)),
			},
			want: []Range{{3, 6}},
		},
		{
			name: "aborted without progress frees its range",
			task: newTask(0, 9, 1),
			subs: []*model.Subtask{
				sub(0, 4, model.SubtaskStageAborted, nil),
				sub(5, 9, model.SubtaskStagePending, nil),
			},
			want: []Range{{0, 4}},
		},
		{
			name: "reassigned tail closes the gap",
			task: newTask(0, 52, 13),
			subs: []*model.Subtask{
				sub(0, 52, model.SubtaskStageAborted, intPtr(26)),
				sub(39, 52, model.SubtaskStageTransferring, nil),
			},
			want: nil,
		},
		{
			name: "several gaps",
			task: newTask(10, 30, 2),
			subs: []*model.Subtask{
				sub(14, 16, model.SubtaskStageRunning, nil),
				sub(22, 24, model.SubtaskStageAborted, intPtr(22)),
			},
			want: []Range{{10, 12}, {18, 20}, {24, 30}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unassigned(tt.task, tt.subs))
		})
	}
}

func TestUnassigned_NoOverlapAndExactCover(t *testing.T) {
	task := newTask(3, 200, 3)
	subs := []*model.Subtask{
		sub(3, 30, model.SubtaskStageFinished, intPtr(30)),
		sub(33, 90, model.SubtaskStageAborted, intPtr(60)),
		sub(120, 150, model.SubtaskStageRunning, intPtr(123)),
		sub(180, 180, model.SubtaskStagePending, nil),
	}
	got := Unassigned(task, subs)

	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Start, got[i-1].End, "ranges must be ascending and disjoint")
	}

	covered := map[int]bool{}
	for _, s := range subs {
		last, ok := assignedCover(s)
		for f := s.Start; ok && f <= last; f += task.Step {
			covered[f] = true
		}
	}
	var want []int
	for f := task.Start; f <= task.End; f += task.Step {
		if !covered[f] {
			want = append(want, f)
		}
	}
	assert.Equal(t, want, expand(got, task.Step))
}

func TestIsFinished(t *testing.T) {
	task := newTask(0, 52, 13)

	aborted := sub(0, 52, model.SubtaskStageAborted, intPtr(26))
	assert.False(t, IsFinished(task, []*model.Subtask{aborted}))

	tail := sub(39, 52, model.SubtaskStageRunning, intPtr(39))
	subs := []*model.Subtask{aborted, tail}
	assert.Empty(t, Unassigned(task, subs), "everything assigned")
	assert.False(t, IsFinished(task, subs), "but frame 52 not delivered yet")

	tail.LatestFrame = intPtr(52)
	tail.Stage = model.SubtaskStageFinished
	assert.True(t, IsFinished(task, subs))
}

func TestConvergesAfterReassignment(t *testing.T) {
	task := newTask(0, 99, 1)
	subs := []*model.Subtask{sub(0, 99, model.SubtaskStageRunning, nil)}

	// the worker fails after frame 41; whatever is uncovered gets a new subtask
	subs[0].LatestFrame = intPtr(41)
	subs[0].Stage = model.SubtaskStageAborted
	for _, r := range Unassigned(task, subs) {
		s := sub(r.Start, r.End, model.SubtaskStageRunning, nil)
		subs = append(subs, s)
	}
	require.Empty(t, Unassigned(task, subs))
	require.False(t, IsFinished(task, subs))

	for _, s := range subs[1:] {
		s.LatestFrame = intPtr(s.End)
		s.Stage = model.SubtaskStageFinished
	}
	assert.True(t, IsFinished(task, subs))
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name   string
		ranges []Range
		step   int
		parts  int
		want   []Range
	}{
		{name: "even", ranges: []Range{{0, 9}}, step: 1, parts: 2, want: []Range{{0, 4}, {5, 9}}},
		{name: "uneven", ranges: []Range{{0, 10}}, step: 1, parts: 3, want: []Range{{0, 3}, {4, 7}, {8, 10}}},
		{name: "stepped", ranges: []Range{{0, 52}}, step: 13, parts: 2, want: []Range{{0, 26}, {39, 52}}},
		{name: "more parts than frames", ranges: []Range{{0, 1}}, step: 1, parts: 5, want: []Range{{0, 0}, {1, 1}}},
		{name: "fragmented", ranges: []Range{{0, 0}, {5, 5}, {9, 9}}, step: 1, parts: 2, want: []Range{{0, 0}, {5, 5}}},
		{name: "no parts", ranges: []Range{{0, 5}}, step: 1, parts: 0, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.ranges, tt.step, tt.parts))
		})
	}
}

func TestTaskProgress_HalfRendered(t *testing.T) {
	task := newTask(0, 9, 1)
	task.Stage = model.TaskStageRendering
	a := &model.Subtask{Start: 0, End: 3, LatestFrame: intPtr(1), Portion: 0.5}
	b := &model.Subtask{Start: 4, End: 9, LatestFrame: intPtr(6), Portion: 0.5}

	assert.InDelta(t, 0.5, SubtaskProgress(a, 1), 1e-9)
	assert.InDelta(t, 0.5, SubtaskProgress(b, 1), 1e-9)

	p := TaskProgress(task, []*model.Subtask{a, b})
	assert.InDelta(t, 0.5, p.CurrentStageProgress, 1e-9)
	assert.InDelta(t, (3+0.5)/5.0, p.TotalProgress, 1e-9)
	assert.Equal(t, model.TaskStageRendering, p.Stage)
}

func TestTaskProgress_Stages(t *testing.T) {
	task := newTask(0, 9, 1)
	s := &model.Subtask{Start: 0, End: 9, LatestFrame: intPtr(9), Portion: 1}

	task.Stage = model.TaskStagePending
	p := TaskProgress(task, []*model.Subtask{s})
	assert.Zero(t, p.CurrentStageProgress, "no fine-grained progress outside rendering")
	assert.InDelta(t, 0.2, p.TotalProgress, 1e-9)

	task.Stage = model.TaskStageFinished
	assert.Equal(t, 1.0, TaskProgress(task, nil).TotalProgress)
}

func TestTaskProgress_MonotoneWithinRendering(t *testing.T) {
	task := newTask(0, 40, 4)
	task.Stage = model.TaskStageRendering
	s := &model.Subtask{Start: 0, End: 40, Portion: 1}

	last := -1.0
	for f := 0; f <= 40; f += 4 {
		s.LatestFrame = intPtr(f)
		p := TaskProgress(task, []*model.Subtask{s}).TotalProgress
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
	assert.InDelta(t, 4.0/5.0, last, 1e-9)
}

func TestTaskProgress_PortionOverflowIsClamped(t *testing.T) {
	task := newTask(0, 9, 1)
	task.Stage = model.TaskStageRendering
	subs := []*model.Subtask{
		{Start: 0, End: 9, LatestFrame: intPtr(9), Portion: 0.8},
		{Start: 0, End: 9, LatestFrame: intPtr(9), Portion: 0.8},
	}
	assert.Equal(t, 1.0, TaskProgress(task, subs).CurrentStageProgress)
}
