// Package buildfail defines the error taxonomy shared by every pipeline
// stage. All errors are terminal for the invoking command; nothing here is
// retried.
package buildfail

import "fmt"

// Stage names the pipeline stage that produced a failure.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageToolchain Stage = "toolchain"
	StageRootfs    Stage = "rootfs"
	StageImage     Stage = "image"
	StageArtifact  Stage = "artifact"
	StageLaunch    Stage = "launch"
)

// StageError annotates an underlying failure with the stage it came from.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// AtStage wraps err with a stage tag. A nil err stays nil.
func AtStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// InvalidArchitectureError reports a target architecture outside the
// supported set.
type InvalidArchitectureError struct {
	Value string
}

func (e *InvalidArchitectureError) Error() string {
	return fmt.Sprintf("invalid architecture %q", e.Value)
}

// InvalidFeatureCombinationError reports a feature set or board variant that
// the requested architecture cannot satisfy.
type InvalidFeatureCombinationError struct {
	Arch   string
	Board  string
	Reason string
}

func (e *InvalidFeatureCombinationError) Error() string {
	return fmt.Sprintf("invalid feature combination for %s/%s: %s", e.Arch, e.Board, e.Reason)
}

// ToolchainMissingError reports that the cross compiler for an architecture
// is not discoverable on any configured search path.
type ToolchainMissingError struct {
	Arch     string
	Compiler string
}

func (e *ToolchainMissingError) Error() string {
	return fmt.Sprintf("toolchain missing for %s: compiler %q not found", e.Arch, e.Compiler)
}

// OverlayFailedError reports that applying a named overlay aborted a rootfs
// assembly.
type OverlayFailedError struct {
	Name  string
	Cause error
}

func (e *OverlayFailedError) Error() string {
	return fmt.Sprintf("overlay %s failed: %v", e.Name, e.Cause)
}

func (e *OverlayFailedError) Unwrap() error { return e.Cause }

// PackagingFailedError reports that the filesystem-packing step did not
// produce an image.
type PackagingFailedError struct {
	Cause error
}

func (e *PackagingFailedError) Error() string {
	return fmt.Sprintf("packaging failed: %v", e.Cause)
}

func (e *PackagingFailedError) Unwrap() error { return e.Cause }

// ResizeFailedError reports that growing a packed image failed.
type ResizeFailedError struct {
	Cause error
}

func (e *ResizeFailedError) Error() string {
	return fmt.Sprintf("image resize failed: %v", e.Cause)
}

func (e *ResizeFailedError) Unwrap() error { return e.Cause }

// ArtifactNotFoundError reports a post-processing request against a kernel
// binary that has not been built.
type ArtifactNotFoundError struct {
	Path string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact not found: %s (build the kernel first)", e.Path)
}

// UnknownCommandError reports an operation name outside the command catalog.
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Name)
}
