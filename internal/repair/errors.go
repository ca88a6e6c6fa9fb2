package repair

import "fmt"

// Stage names the step of a repair attempt that failed.
type Stage string

const (
	StageFix      Stage = "fix"      // the fixer call
	StageStage    Stage = "stage"    // checking and splicing the patch
	StageValidate Stage = "validate" // syntax checks on staged files
	StageApply    Stage = "apply"    // writing to the real source
)

// Error reports a failed repair attempt. The source under supervision is
// unchanged whenever an Error is returned.
type Error struct {
	Stage  Stage
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("repair failed (%s): %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("repair failed (%s): %s", e.Stage, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }
