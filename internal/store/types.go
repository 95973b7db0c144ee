// Package store provides the SQLite history of saved masks for maskcreator.
package store

import "time"

// SavedMask is one successful mask save.
type SavedMask struct {
	ID        int64
	ImagePath string
	MaskPath  string
	MaskHash  [32]byte
	MaskSize  int64
	Layers    int
	CreatedAt time.Time
}

// RunOutcome is the result of processing one image in watch mode.
type RunOutcome string

const (
	// RunSaved means a mask was generated and saved.
	RunSaved RunOutcome = "saved"
	// RunEmpty means detection produced no usable mask.
	RunEmpty RunOutcome = "empty"
	// RunSkipped means the image already had a mask.
	RunSkipped RunOutcome = "skipped"
	// RunFailed means segmentation or saving failed.
	RunFailed RunOutcome = "failed"
)

// WatchRun records one image processed in watch mode.
type WatchRun struct {
	ID        int64
	ImagePath string
	ImageHash [32]byte
	Prompt    string
	Outcome   RunOutcome
	Boxes     int
	Error     string
	CreatedAt time.Time
}

// Stats summarizes the history.
type Stats struct {
	SavedMasks   int64
	Images       int64
	WatchRuns    int64
	FailedRuns   int64
	LastSaveTime time.Time
}
