package model

import (
	"fmt"
	"strings"
	"time"
)

// ─────────────────────────────────────────────
// Task State Machine
// ─────────────────────────────────────────────

type TaskStage string

const (
	TaskStageUploading     TaskStage = "UPLOADING"
	TaskStagePending       TaskStage = "PENDING" // waiting for workers
	TaskStageDistributing  TaskStage = "DISTRIBUTING"
	TaskStageRendering     TaskStage = "RENDERING"
	TaskStageConcatenating TaskStage = "CONCATENATING"
	TaskStageFinished      TaskStage = "FINISHED"
	TaskStageExpired       TaskStage = "EXPIRED" // result purged from the server
)

// TaskStageCount is the number of progress-bearing stages before Finished.
const TaskStageCount = 5

var taskStageOrder = map[TaskStage]int{
	TaskStageUploading:     0,
	TaskStagePending:       1,
	TaskStageDistributing:  2,
	TaskStageRendering:     3,
	TaskStageConcatenating: 4,
	TaskStageFinished:      5,
	TaskStageExpired:       6,
}

// Index is the stage's position in the lifecycle.
func (s TaskStage) Index() int {
	return taskStageOrder[s]
}

// Schedulable reports whether the task may still receive new subtasks.
func (s TaskStage) Schedulable() bool {
	switch s {
	case TaskStagePending, TaskStageDistributing, TaskStageRendering:
		return true
	}
	return false
}

// Final reports whether no further progress updates follow.
func (s TaskStage) Final() bool {
	return s == TaskStageFinished || s == TaskStageExpired
}

// ─────────────────────────────────────────────
// Subtask State Machine
// ─────────────────────────────────────────────

type SubtaskStage string

const (
	SubtaskStagePending      SubtaskStage = "PENDING"
	SubtaskStageTransferring SubtaskStage = "TRANSFERRING"
	SubtaskStageRunning      SubtaskStage = "RUNNING"
	SubtaskStageFinished     SubtaskStage = "FINISHED"
	SubtaskStageAborted      SubtaskStage = "ABORTED"
)

func (s SubtaskStage) Terminal() bool {
	return s == SubtaskStageFinished || s == SubtaskStageAborted
}

// ─────────────────────────────────────────────
// Worker Status
// ─────────────────────────────────────────────

type WorkerStatus string

const (
	WorkerStatusAvailable    WorkerStatus = "AVAILABLE"
	WorkerStatusWorking      WorkerStatus = "WORKING"
	WorkerStatusQuitting     WorkerStatus = "QUITTING" // finishes its current subtask, then disconnects
	WorkerStatusDisconnected WorkerStatus = "DISCONNECTED"
)

// ─────────────────────────────────────────────
// Core Domain Models
// ─────────────────────────────────────────────

// Task is one rendering job spanning a frame range.
type Task struct {
	ID                string     `json:"task_id"`
	Counter           uint64     `json:"-"`
	Owner             string     `json:"owner,omitempty"`
	Start             int        `json:"start_frame"`
	End               int        `json:"end_frame"`
	Step              int        `json:"frame_step"`
	Output            OutputType `json:"output_type"`
	DataType          DataType   `json:"data_type"`
	Stage             TaskStage  `json:"stage"`
	FileServerAddress string     `json:"file_server_address"`
	FileServerPort    int        `json:"file_server_port"`
	ConcatAttempts    int        `json:"concat_attempts,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// FrameCount returns how many frames start, start+step, … ≤ end holds.
func (t *Task) FrameCount() int {
	if t.Step < 1 || t.End < t.Start {
		return 0
	}
	return (t.End-t.Start)/t.Step + 1
}

// LastFrame is the largest frame on the step grid that is ≤ End.
func (t *Task) LastFrame() int {
	return t.Start + (t.FrameCount()-1)*t.Step
}

// HasFrame reports whether frame lies on the task's step grid.
func (t *Task) HasFrame(frame int) bool {
	return t.Step >= 1 && frame >= t.Start && frame <= t.End && (frame-t.Start)%t.Step == 0
}

// FrameIndex maps a grid frame to its 0-based position.
func (t *Task) FrameIndex(frame int) int {
	return (frame - t.Start) / t.Step
}

// FrameAt maps a 0-based position to its frame number.
func (t *Task) FrameAt(index int) int {
	return t.Start + index*t.Step
}

// Subtask is a contiguous frame-range slice of a Task assigned to one Worker.
type Subtask struct {
	TaskID        string       `json:"task_id"`
	Index         int          `json:"subtask_index"`
	WorkerID      string       `json:"worker_id,omitempty"`
	Start         int          `json:"start_frame"`
	End           int          `json:"end_frame"`
	LatestFrame   *int         `json:"latest_completed_frame,omitempty"`
	Portion       float64      `json:"portion"`
	Stage         SubtaskStage `json:"stage"`
	DispatchCount int          `json:"dispatch_count"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Key identifies a subtask across tasks: "{TaskID}/{Index}".
func (s *Subtask) Key() string {
	return SubtaskKey(s.TaskID, s.Index)
}

func SubtaskKey(taskID string, index int) string {
	return fmt.Sprintf("%s/%d", taskID, index)
}

// Worker is a remote compute node.
type Worker struct {
	ID               string       `json:"worker_id"`
	Host             string       `json:"host"`
	Port             int          `json:"port"`
	PerformanceScore int          `json:"performance_score"`
	Status           WorkerStatus `json:"status"`
	RegisteredAt     time.Time    `json:"registered_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (w *Worker) Address() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// ─────────────────────────────────────────────
// Output & Data Types
// ─────────────────────────────────────────────

// DataType is how the project data is packaged.
type DataType string

const (
	DataTypeSingleFile DataType = "SINGL"
	DataTypeMultiFile  DataType = "MULTI"
)

func (d DataType) Valid() bool {
	return d == DataTypeSingleFile || d == DataTypeMultiFile
}

// ProjectFileName is the name the uploaded project is stored under.
func (d DataType) ProjectFileName() string {
	if d == DataTypeMultiFile {
		return "blenderdata.zip"
	}
	return "blenderdata.blend"
}

// OutputType is the render output format. The value is the file extension,
// optionally followed by a variant suffix (".tga.r" for raw targa).
type OutputType string

const (
	OutputRGB OutputType = ".rgb"
	OutputJPG OutputType = ".jpg"
	OutputJP2 OutputType = ".jp2"
	OutputJ2C OutputType = ".j2c"
	OutputPNG OutputType = ".png"
	OutputBMP OutputType = ".bmp"
	OutputTGA OutputType = ".tga"
	OutputTGR OutputType = ".tga.r"
	OutputCIN OutputType = ".cin"
	OutputDPX OutputType = ".dpx"
	OutputEXR OutputType = ".exr"
	OutputMXR OutputType = ".exr.m"
	OutputHDR OutputType = ".hdr"
	OutputTIF OutputType = ".tif"
	OutputWBP OutputType = ".webp"
	OutputAVJ OutputType = ".avi.j"
	OutputAVR OutputType = ".avi.r"

	// FFmpeg containers
	OutputMPG OutputType = ".mpg"
	OutputDVD OutputType = ".dvd"
	OutputMP4 OutputType = ".mp4"
	OutputAVI OutputType = ".avi"
	OutputMOV OutputType = ".mov"
	OutputDV  OutputType = ".dv"
	OutputFLV OutputType = ".flv"
	OutputMKV OutputType = ".mkv"
	OutputOGG OutputType = ".ogv"
	OutputWBM OutputType = ".webm"
)

var outputTypes = map[OutputType]bool{
	OutputRGB: false, OutputJPG: false, OutputJP2: false, OutputJ2C: false,
	OutputPNG: false, OutputBMP: false, OutputTGA: false, OutputTGR: false,
	OutputCIN: false, OutputDPX: false, OutputEXR: false, OutputMXR: false,
	OutputHDR: false, OutputTIF: false, OutputWBP: false,
	OutputAVJ: true, OutputAVR: true,
	OutputMPG: true, OutputDVD: true, OutputMP4: true, OutputAVI: true,
	OutputMOV: true, OutputDV: true, OutputFLV: true, OutputMKV: true,
	OutputOGG: true, OutputWBM: true,
}

func (o OutputType) Valid() bool {
	_, ok := outputTypes[o]
	return ok
}

// IsVideo reports whether workers produce video chunks rather than images.
func (o OutputType) IsVideo() bool {
	return outputTypes[o]
}

// Extension drops the variant suffix: ".tga.r" → ".tga".
func (o OutputType) Extension() string {
	s := string(o)
	if i := strings.Index(s[min(1, len(s)):], "."); i >= 0 {
		return s[:i+1]
	}
	return s
}

// ─────────────────────────────────────────────
// Progress
// ─────────────────────────────────────────────

// Progress is the answer to a progress query and the payload pushed to
// progress subscribers.
type Progress struct {
	TaskID               string     `json:"task_id"`
	Stage                TaskStage  `json:"stage"`
	CurrentStageProgress float64    `json:"current_stage_progress"`
	TotalProgress        float64    `json:"total_progress"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
}
