// Package target builds the validated Target descriptor every downstream
// stage consumes. Construction is pure: invalid architecture, board or
// feature combinations are rejected here, before any side-effecting stage
// runs.
package target

import (
	"fmt"
	"sort"

	"zforge/internal/arch"
	"zforge/internal/buildfail"
)

// Feature flags accepted on a Target. The overlay catalog keys off the
// test and optional-library flags; the remaining ones select kernel build
// variants.
const (
	FeatureLinkUserImg = "link-user-img"
	FeatureBoardD1     = "board-d1"
	FeatureGraphic     = "graphic"
	FeatureHypervisor  = "hypervisor"
	FeatureLibcTest    = "libc-test"
	FeatureOtherTest   = "other-test"
	FeatureFFmpeg      = "ffmpeg"
	FeatureOpenCV      = "opencv"
)

var knownFeatures = map[string]bool{
	FeatureLinkUserImg: true,
	FeatureBoardD1:     true,
	FeatureGraphic:     true,
	FeatureHypervisor:  true,
	FeatureLibcTest:    true,
	FeatureOtherTest:   true,
	FeatureFFmpeg:      true,
	FeatureOpenCV:      true,
}

// Target is the immutable (architecture, board, features) tuple driving a
// build. A Target fully determines the toolchain and the applicable overlay
// subset; nothing downstream consults anything else.
type Target struct {
	Arch  arch.Architecture
	Board string
	// OutputDir is where packaged artifacts for this target land.
	OutputDir string

	features []string
}

// New validates and normalizes raw command input into a Target. An empty
// board selects the architecture's default; features are deduplicated and
// sorted so equal requests compare equal.
func New(archValue, board string, features []string, outputDir string) (Target, error) {
	a := arch.Normalize(archValue)
	if a == "" {
		return Target{}, &buildfail.InvalidArchitectureError{Value: archValue}
	}

	if board == "" {
		board = a.DefaultBoard()
	}
	if !validBoard(a, board) {
		return Target{}, &buildfail.InvalidFeatureCombinationError{
			Arch:   a.String(),
			Board:  board,
			Reason: fmt.Sprintf("board %q is not available for %s", board, a),
		}
	}

	normalized, err := normalizeFeatures(a, board, features)
	if err != nil {
		return Target{}, err
	}

	return Target{
		Arch:      a,
		Board:     board,
		OutputDir: outputDir,
		features:  normalized,
	}, nil
}

// Features returns the normalized feature flags. The returned slice is a
// copy; mutating it does not affect the Target.
func (t Target) Features() []string {
	return append([]string(nil), t.features...)
}

// HasFeature reports whether the flag was requested on this Target.
func (t Target) HasFeature(name string) bool {
	for _, f := range t.features {
		if f == name {
			return true
		}
	}
	return false
}

func validBoard(a arch.Architecture, board string) bool {
	for _, b := range a.Boards() {
		if b == board {
			return true
		}
	}
	return false
}

// normalizeFeatures deduplicates, sorts and cross-checks the requested
// flags. The board-d1 flag and the d1 board variant imply each other; the
// hypervisor flag exists only on x86_64.
func normalizeFeatures(a arch.Architecture, board string, features []string) ([]string, error) {
	fail := func(reason string) error {
		return &buildfail.InvalidFeatureCombinationError{
			Arch:   a.String(),
			Board:  board,
			Reason: reason,
		}
	}

	seen := make(map[string]bool, len(features))
	normalized := make([]string, 0, len(features))
	for _, f := range features {
		if !knownFeatures[f] {
			return nil, fail(fmt.Sprintf("unknown feature %q", f))
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		normalized = append(normalized, f)
	}
	sort.Strings(normalized)

	if seen[FeatureBoardD1] && board != "d1" {
		return nil, fail("feature board-d1 requires board d1")
	}
	if board == "d1" && !seen[FeatureBoardD1] {
		return nil, fail("board d1 requires the board-d1 feature")
	}
	if seen[FeatureHypervisor] && a != arch.X86_64 {
		return nil, fail("hypervisor support exists only on x86_64")
	}
	return normalized, nil
}
