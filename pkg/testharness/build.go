package testharness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// BuildBinaries compiles the arbor and mocksandbox binaries into outputDir.
// Returns the absolute paths to the compiled binaries.
func BuildBinaries(ctx context.Context, projectRoot, outputDir string) (string, string, error) {
	if projectRoot == "" {
		return "", "", fmt.Errorf("project root is required")
	}
	if outputDir == "" {
		return "", "", fmt.Errorf("output directory is required")
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}

	arborPath := filepath.Join(outputDir, "arbor")
	sandboxPath := filepath.Join(outputDir, "mocksandbox")

	if err := runGoBuild(ctx, projectRoot, arborPath, "./cmd/arbor"); err != nil {
		return "", "", err
	}
	if err := runGoBuild(ctx, projectRoot, sandboxPath, "./cmd/mocksandbox"); err != nil {
		return "", "", err
	}

	return arborPath, sandboxPath, nil
}

// BuildMockSandbox compiles cmd/mocksandbox into a test temp dir.
// projectRoot is relative to the calling package, e.g. "../..".
func BuildMockSandbox(t testing.TB, projectRoot string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mocksandbox")
	if err := runGoBuild(context.Background(), projectRoot, path, "./cmd/mocksandbox"); err != nil {
		t.Fatalf("failed to build mocksandbox: %v", err)
	}
	return path
}

func runGoBuild(ctx context.Context, projectRoot, outputPath, pkg string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-o", outputPath, pkg)
	cmd.Dir = projectRoot

	env := os.Environ()
	env = setEnv(env, "CGO_ENABLED", "0")
	cmd.Env = env

	if combined, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s failed: %w\n%s", pkg, err, string(combined))
	}
	return nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
