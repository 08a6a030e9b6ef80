package telemetry

import (
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// WriteArtifact serializes the recorder's current snapshots+events to path
// by writing a sibling temp file and renaming it over the target -- the
// "atomically" of spec.md §4.5/§5: readers never observe a half-written
// file. Failures are swallowed by the caller (TelemetryWriteFailure is
// silent per spec.md §7); this function only reports the error so the
// caller can log it, never so it can crash the ticker.
func WriteArtifact(path string, artifact Artifact) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".telemetry-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
