package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage is a step of the per-image scan pipeline.
type Stage int

const (
	StageValidate Stage = iota
	StageCheckExists
	StagePull
	StageScan
	StageCleanup
	StageDone
	StageHalted
)

var stageNames = [...]string{
	StageValidate:    "validate",
	StageCheckExists: "check_exists",
	StagePull:        "pull",
	StageScan:        "scan",
	StageCleanup:     "cleanup",
	StageDone:        "done",
	StageHalted:      "halted",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// ParseStage is the inverse of Stage.String.
func ParseStage(s string) (Stage, error) {
	for i, name := range stageNames {
		if name == s {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", s)
}

// Report describes a single pipeline run. Stage is the last stage executed.
type Report struct {
	RunID   uuid.UUID
	Image   string
	Stage   Stage
	Started time.Time
	Stopped time.Time
	Err     error
}

// ProcessError is a non zero exit of the pull or scan process.
type ProcessError struct {
	Stage      Stage
	Image      string
	ExitCode   int
	Diagnostic []string
}

// Error returns the one line header of the failure record.
func (e *ProcessError) Error() string {
	if e.Stage == StagePull {
		return fmt.Sprintf("PULL ERROR [EXIT %d]: %s", e.ExitCode, e.Image)
	}
	return fmt.Sprintf("PROCESS EXITED %d: %s", e.ExitCode, e.Image)
}

// Record is the content of the failure record: the header followed by the
// captured stderr lines.
func (e *ProcessError) Record() string {
	lines := make([]string, 0, len(e.Diagnostic)+1)
	lines = append(lines, e.Error())
	lines = append(lines, e.Diagnostic...)
	return strings.Join(lines, "\n")
}
