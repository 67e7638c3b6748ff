// Package vcs decides how a dump directory is treated when it is under
// version control, and commits dumps with go-git.
package vcs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ControlDir is the directory git keeps its data in.
const ControlDir = ".git"

// Mode selects how version control in the target directory is handled.
type Mode string

const (
	// ModeNone treats the target as a plain directory.
	ModeNone Mode = "none"
	// ModeGit leaves the control directory alone and keeps empty folders
	// with placeholder files.
	ModeGit Mode = "git"
	// ModeAuto behaves as git when the target has a control directory and
	// as none otherwise.
	ModeAuto Mode = "auto"
)

// ParseMode parses a mode name. An empty string is auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeAuto, nil
	case ModeNone, ModeGit, ModeAuto:
		return m, nil
	default:
		return "", fmt.Errorf("invalid vcs mode %q (must be none, git, or auto)", s)
	}
}

// Resolve returns the effective mode for the target directory dir. Only auto
// looks at the filesystem; a missing dir resolves auto to none.
func (m Mode) Resolve(dir string) (Mode, error) {
	if m != ModeAuto {
		return m, nil
	}

	_, err := os.Lstat(filepath.Join(dir, ControlDir))
	switch {
	case err == nil:
		return ModeGit, nil
	case errors.Is(err, fs.ErrNotExist):
		return ModeNone, nil
	default:
		return "", fmt.Errorf("failed to probe for %s: %w", ControlDir, err)
	}
}
