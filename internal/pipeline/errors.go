package pipeline

import (
	"errors"
	"fmt"
	"os"
)

// Stage names a step of a training run.
type Stage string

const (
	StagePreflight Stage = "preflight"
	StageGenerate  Stage = "generate"
	StageLoad      Stage = "load"
	StageTrain     Stage = "train"
	StageCalibrate Stage = "calibrate"
	StageEvaluate  Stage = "evaluate"
	StageExport    Stage = "export"
	StageMetrics   Stage = "metrics"
)

// StageError attributes a failure to the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage an error was raised in, or "" when err carries
// none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

func fail(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// DependencyMissingError reports a required input that is not available.
type DependencyMissingError struct {
	Name string
	Path string
	Err  error
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("missing %s %s: %v", e.Name, e.Path, e.Err)
}

func (e *DependencyMissingError) Unwrap() error {
	return e.Err
}

// RequireFile fails unless path names a readable regular file.
func RequireFile(name, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &DependencyMissingError{Name: name, Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return &DependencyMissingError{Name: name, Path: path, Err: errors.New("not a regular file")}
	}
	f, err := os.Open(path)
	if err != nil {
		return &DependencyMissingError{Name: name, Path: path, Err: err}
	}
	return f.Close()
}
