package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/guseggert/devup/internal/proc"
)

// PythonCommand is the invocation name that resolved the Python
// interpreter, selected once by the probe and passed explicitly to every
// later step.
type PythonCommand string

const (
	PythonPrimary PythonCommand = "python3"
	PythonAlias   PythonCommand = "python"
)

// probePython checks the primary interpreter name with a version query,
// falling back to the alias. Fails with ErrPythonNotFound if neither
// responds.
func (l *Launcher) probePython(ctx context.Context) (PythonCommand, error) {
	for _, cand := range []PythonCommand{PythonPrimary, PythonAlias} {
		if commandResponds(ctx, string(cand)) {
			l.log.Debugf("python resolved as %q", cand)
			return cand, nil
		}
	}
	return "", ErrPythonNotFound
}

// probeNpm checks for the frontend package manager. Independent of the
// python probe and only attempted after it succeeds.
func (l *Launcher) probeNpm(ctx context.Context) error {
	if !commandResponds(ctx, "npm") {
		return ErrNpmNotFound
	}
	return nil
}

func commandResponds(ctx context.Context, name string) bool {
	_, err := proc.Run(ctx, proc.StartRequest{
		Command: name,
		Args:    []string{"--version"},
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	})
	return err == nil
}

// installBackendDeps installs the backend's pinned packages. This runs on
// every launch, trading startup latency for dependency freshness. pip's
// output is suppressed.
func (l *Launcher) installBackendDeps(ctx context.Context, python PythonCommand) error {
	dir := filepath.Join(l.rootDir, l.backendDir)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrBackendDirMissing, dir)
	}

	l.log.Info("installing backend dependencies")
	_, err := proc.Run(ctx, proc.StartRequest{
		Command: string(python),
		Args:    []string{"-m", "pip", "install", "-r", "requirements.txt", "--quiet"},
		WD:      dir,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBackendInstall, err)
	}
	return nil
}

// installFrontendDeps installs frontend packages only when the node_modules
// cache is absent, streaming npm's output. Skipping on a warm cache keeps
// restarts fast at the accepted risk of stale dependencies.
func (l *Launcher) installFrontendDeps(ctx context.Context) error {
	dir := filepath.Join(l.rootDir, l.frontendDir)
	if _, err := os.Stat(filepath.Join(dir, "node_modules")); err == nil {
		l.log.Debug("node_modules present, skipping frontend install")
		return nil
	}

	l.log.Info("installing frontend dependencies")
	_, err := proc.Run(ctx, proc.StartRequest{
		Command: "npm",
		Args:    []string{"install"},
		WD:      dir,
		Stdout:  l.out,
		Stderr:  l.errOut,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFrontendInstall, err)
	}
	return nil
}
