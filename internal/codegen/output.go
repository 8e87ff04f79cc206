package codegen

import (
	"os"
	"path/filepath"

	"kiln/internal/diag"
)

// WriteOutput writes data to path through a temporary file in the same
// directory and renames it into place.
func WriteOutput(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return diag.IO(diag.IOWriteOutput, err, "create %s", path)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return diag.IO(diag.IOWriteOutput, err, "write %s", path)
	}
	if err := f.Chmod(0o644); err != nil {
		_ = f.Close()
		return diag.IO(diag.IOWriteOutput, err, "chmod %s", path)
	}
	if err := f.Close(); err != nil {
		return diag.IO(diag.IOWriteOutput, err, "close %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return diag.IO(diag.IOWriteOutput, err, "rename %s", path)
	}
	return nil
}
