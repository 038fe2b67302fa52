package sandbox

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iambrandonn/arbor/internal/fsutil"
)

// Prelude is the Python runtime that exposes orchestrator functions to a
// script as globals. The script stores its return value in `result`.
//
//go:embed prelude.py
var Prelude []byte

// PythonCommand materializes the prelude under dir and returns the argv that
// runs a script through it with the given interpreter
func PythonCommand(interpreter, dir string) ([]string, error) {
	if interpreter == "" {
		interpreter = "python3"
	}
	path := filepath.Join(dir, "arbor_prelude.py")
	if err := fsutil.AtomicWrite(path, Prelude); err != nil {
		return nil, fmt.Errorf("write sandbox prelude: %w", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		return nil, fmt.Errorf("chmod sandbox prelude: %w", err)
	}
	return []string{interpreter, "-u", path}, nil
}
