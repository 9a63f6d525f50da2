package model

import "time"

// ─────────────────────────────────────────────
// Header Protocol (server ⇄ worker)
// ─────────────────────────────────────────────

const (
	// Worker → Server: registration
	HeaderWorkerID         = "Worker-Id"
	HeaderHost             = "Host"
	HeaderPort             = "Port"
	HeaderPerformanceScore = "Performance-Score"

	// Worker → Server: unregistration
	HeaderUnregistrationType = "Unregistration-Type"

	// Server → Worker: STARTTASK
	HeaderTaskID            = "Task-Id"
	HeaderSubtaskIndex      = "Subtask-Index"
	HeaderFileServerAddress = "File-Server-Address"
	HeaderFileServerPort    = "File-Server-Port"
	HeaderBlenderDataType   = "Blender-Data-Type"
	HeaderOutputType        = "Output-Type"
	HeaderStartFrame        = "Start-Frame"
	HeaderEndFrame          = "End-Frame"
	HeaderFrameStep         = "Frame-Step"

	// Worker → Server: frame result
	HeaderFrame = "Frame"

	// Server → Worker: frame receipt
	HeaderFrameDigest = "Frame-Digest"
)

// Host is a reserved header in net/http (it is moved to Request.Host), so
// workers may send their address under this alias instead.
const HeaderWorkerHost = "Worker-Host"

// UnregistrationType is the value of the Unregistration-Type header.
type UnregistrationType string

const (
	UnregisterQuitting      UnregistrationType = "Quitting"
	UnregisterForceQuitting UnregistrationType = "Force-Quitting"
)

// StartTaskPath is the worker endpoint receiving subtask dispatches.
const StartTaskPath = "/STARTTASK"

// StartTask is the decoded STARTTASK header set.
type StartTask struct {
	TaskID            string
	SubtaskIndex      int
	FileServerAddress string
	FileServerPort    int
	DataType          DataType
	Output            OutputType
	StartFrame        int
	EndFrame          int
	FrameStep         int
}

// ─────────────────────────────────────────────
// HTTP Request / Response
// ─────────────────────────────────────────────

// SubmitResponse is returned after a project file was accepted.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
	Path   string `json:"path"`
}

// RegisterResponse carries the identifier the worker must use from now on.
type RegisterResponse struct {
	WorkerID string `json:"worker_id"`
}

// FrameRef names one delivered frame.
type FrameRef struct {
	WorkerID     string
	TaskID       string
	SubtaskIndex int
	Frame        int
}

// FrameReceipt acknowledges a stored frame.
type FrameReceipt struct {
	TaskID       string `json:"task_id"`
	SubtaskIndex int    `json:"subtask_index"`
	Frame        int    `json:"frame"`
	Digest       string `json:"digest"`
	Size         int64  `json:"size"`
	Finished     bool   `json:"subtask_finished"`
}

// ─────────────────────────────────────────────
// SQL Persistence Models (async write)
// ─────────────────────────────────────────────

// TaskLog mirrors a task's latest known state.
type TaskLog struct {
	TaskID     string    `gorm:"primaryKey"`
	Counter    uint64    `gorm:"index"`
	Owner      string    `gorm:"index"`
	StartFrame int
	EndFrame   int
	FrameStep  int
	OutputType string
	DataType   string
	Stage      TaskStage
	Error      string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// SubtaskLog mirrors a subtask's latest known state; aborted rows are kept as history.
type SubtaskLog struct {
	TaskID      string `gorm:"primaryKey"`
	Index       int    `gorm:"primaryKey;autoIncrement:false"`
	WorkerID    string `gorm:"index"`
	StartFrame  int
	EndFrame    int
	LatestFrame *int
	Portion     float64
	Stage       SubtaskStage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkerRecord persists registrations across restarts.
type WorkerRecord struct {
	WorkerID         string `gorm:"primaryKey"`
	Host             string
	Port             int
	PerformanceScore int
	Status           WorkerStatus
	RegisteredAt     time.Time
	UpdatedAt        time.Time
}
