package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// currentFile names the manifest pointer file of a LevelDB store.
	currentFile = "CURRENT"
	// lockFile is held by the process that owns the store.
	lockFile = "LOCK"

	manifestPrefix = "MANIFEST-"
	logSuffix      = ".log"
)

// ErrCorruptStore indicates that a store directory does not have the layout
// required to fingerprint it: a manifest pointer and exactly one active log.
var ErrCorruptStore = errors.New("corrupt store")

// Fingerprint identifies the logical state of a store at a point in time.
// Its format is opaque; only equality is meaningful.
type Fingerprint string

// ComputeFingerprint derives the fingerprint of the store in dir from the
// manifest pointer and the name and size of the active log file. The store
// itself is never opened.
func ComputeFingerprint(dir string) (Fingerprint, error) {
	current, err := os.ReadFile(filepath.Join(dir, currentFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: no %s file in %s", ErrCorruptStore, currentFile, dir)
		}
		return "", fmt.Errorf("failed to read manifest pointer: %w", err)
	}
	manifest := strings.TrimPrefix(strings.TrimSpace(string(current)), manifestPrefix)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list store directory: %w", err)
	}
	var logs []fs.DirEntry
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), logSuffix) {
			logs = append(logs, entry)
		}
	}
	if len(logs) != 1 {
		names := make([]string, 0, len(logs))
		for _, l := range logs {
			names = append(names, l.Name())
		}
		return "", fmt.Errorf("%w: expected exactly one log file in %s, got %q", ErrCorruptStore, dir, names)
	}

	info, err := logs[0].Info()
	if err != nil {
		return "", fmt.Errorf("failed to stat log file: %w", err)
	}
	logID := strings.TrimSuffix(info.Name(), logSuffix)

	return Fingerprint(fmt.Sprintf("%s+%s+%d", manifest, logID, info.Size())), nil
}
