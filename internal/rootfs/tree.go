package rootfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"zforge/internal/arch"
	"zforge/internal/config"
)

// Tree is the on-disk working state of one architecture's rootfs assembly.
// It is exclusively owned by the assembler for the duration of a build.
// Completion and granted capabilities are recorded in a state file kept
// beside the tree, never inside it, so the record is durable across command
// invocations without ever ending up in a packaged image.
type Tree struct {
	Arch arch.Architecture
	Root string

	statePath string
	state     treeState
}

type treeState struct {
	Complete     bool     `json:"complete"`
	Capabilities []string `json:"capabilities"`
}

// Load returns the tree for an architecture as recorded on disk. The tree
// directory may not exist yet; Exists reports that.
func Load(cfg config.Config, a arch.Architecture) (*Tree, error) {
	t := &Tree{
		Arch:      a,
		Root:      cfg.TreeDir(a),
		statePath: cfg.TreeStatePath(a),
	}
	raw, err := os.ReadFile(t.statePath)
	if errors.Is(err, fs.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tree state %s: %w", t.statePath, err)
	}
	if err := json.Unmarshal(raw, &t.state); err != nil {
		return nil, fmt.Errorf("parse tree state %s: %w", t.statePath, err)
	}
	return t, nil
}

// TreeRoot returns the tree's root directory. It satisfies the image
// packager's source interface.
func (t *Tree) TreeRoot() string { return t.Root }

// Exists reports whether the working tree directory is present on disk.
func (t *Tree) Exists() bool {
	info, err := os.Stat(t.Root)
	return err == nil && info.IsDir()
}

// Complete reports whether the last assembly touching this tree finished
// without error. An incomplete tree must never be packaged.
func (t *Tree) Complete() bool {
	return t.state.Complete
}

// Has reports whether a capability was recorded by a completed overlay.
func (t *Tree) Has(capability string) bool {
	for _, c := range t.state.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Capabilities returns the recorded capability flags in sorted order.
func (t *Tree) Capabilities() []string {
	out := append([]string(nil), t.state.Capabilities...)
	sort.Strings(out)
	return out
}

// grant records a capability and persists the state immediately, so a later
// single-overlay command sees what an earlier one provided.
func (t *Tree) grant(capability string) error {
	if capability == "" || t.Has(capability) {
		return nil
	}
	t.state.Capabilities = append(t.state.Capabilities, capability)
	return t.save()
}

// markIncomplete flags the tree as unusable and persists that before any
// mutation happens, so a crash mid-assembly is never mistaken for success.
func (t *Tree) markIncomplete() error {
	t.state.Complete = false
	return t.save()
}

func (t *Tree) markComplete() error {
	t.state.Complete = true
	return t.save()
}

// reset drops all recorded state, for a clean-slate rebuild.
func (t *Tree) reset() error {
	t.state = treeState{}
	return t.save()
}

func (t *Tree) save() error {
	raw, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(t.statePath, raw, 0o644); err != nil {
		return fmt.Errorf("write tree state %s: %w", t.statePath, err)
	}
	return nil
}
