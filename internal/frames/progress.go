package frames

import (
	"github.com/taskmgr818/render-at-home/internal/model"
)

// SubtaskProgress is the delivered fraction of a subtask's frames, in [0,1].
func SubtaskProgress(s *model.Subtask, step int) float64 {
	if s.LatestFrame == nil || step < 1 {
		return 0
	}
	total := Range{Start: s.Start, End: s.End}.Len(step)
	if total == 0 {
		return 0
	}
	done := (*s.LatestFrame-s.Start)/step + 1
	if done < 0 {
		return 0
	}
	return min(1, float64(done)/float64(total))
}

// WeightedProgress scales SubtaskProgress by the subtask's portion of the task.
func WeightedProgress(s *model.Subtask, step int) float64 {
	return SubtaskProgress(s, step) * s.Portion
}

// TaskProgress combines a stage baseline with the fine-grained progress of the
// current stage. Only Rendering has fine-grained progress; portions are not
// guaranteed to sum to one, so the stage component is clamped.
func TaskProgress(task *model.Task, subtasks []*model.Subtask) model.Progress {
	p := model.Progress{
		TaskID:     task.ID,
		Stage:      task.Stage,
		FinishedAt: task.FinishedAt,
	}

	if task.Stage == model.TaskStageRendering {
		sum := 0.0
		for _, s := range subtasks {
			sum += WeightedProgress(s, task.Step)
		}
		p.CurrentStageProgress = min(1, sum)
	}

	if idx := task.Stage.Index(); idx >= model.TaskStageCount {
		p.TotalProgress = 1
	} else {
		p.TotalProgress = (float64(idx) + p.CurrentStageProgress) / model.TaskStageCount
	}
	return p
}
