// Package launcher implements the devup launch pipeline: reclaim the dev
// ports, probe the required runtimes, install backend and frontend
// dependencies, and start both dev servers as detached processes.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/devup/internal/files"
	netutil "github.com/guseggert/devup/internal/net"
	"github.com/guseggert/devup/internal/proc"
	"go.uber.org/zap"
)

const loggerName = "launcher"

// Launcher runs the launch pipeline once and exits. It performs no
// supervision of the servers it starts; they are owned by the OS after
// launch.
type Launcher struct {
	log   *zap.SugaredLogger
	runID string

	rootDir     string
	backendDir  string
	frontendDir string

	backendPort  int
	frontendPort int

	stateDir string

	settleDelay time.Duration
	exitDelay   time.Duration

	out    io.Writer
	errOut io.Writer
}

type Option func(l *Launcher)

func WithLogger(log *zap.Logger) Option {
	return func(l *Launcher) {
		l.log = log.Named(loggerName).Sugar()
	}
}

// WithRootDir sets the project root containing the backend and frontend
// directories, skipping discovery.
func WithRootDir(dir string) Option {
	return func(l *Launcher) {
		l.rootDir = dir
	}
}

// WithPorts overrides the ports to reclaim before launch.
func WithPorts(backend, frontend int) Option {
	return func(l *Launcher) {
		l.backendPort = backend
		l.frontendPort = frontend
	}
}

// WithStateDir sets the directory holding the launch lock, launch metadata,
// and server log files.
func WithStateDir(dir string) Option {
	return func(l *Launcher) {
		l.stateDir = dir
	}
}

// WithDelays overrides the post-reclaim settle delay and the delay before a
// successful exit.
func WithDelays(settle, exit time.Duration) Option {
	return func(l *Launcher) {
		l.settleDelay = settle
		l.exitDelay = exit
	}
}

// WithOutput sets the writers for user-facing output. Defaults to stdout
// and stderr.
func WithOutput(out, errOut io.Writer) Option {
	return func(l *Launcher) {
		l.out = out
		l.errOut = errOut
	}
}

// New builds a Launcher. If no root dir is configured, it is discovered by
// walking up from the working directory to the first directory containing a
// backend/ subdirectory.
func New(opts ...Option) (*Launcher, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	l := &Launcher{
		log:          logger.Named(loggerName).Sugar(),
		runID:        uuid.NewString(),
		backendDir:   "backend",
		frontendDir:  "frontend",
		backendPort:  8000,
		frontendPort: 3000,
		settleDelay:  1 * time.Second,
		exitDelay:    3 * time.Second,
		out:          os.Stdout,
		errOut:       os.Stderr,
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With("run_id", l.runID)

	if l.stateDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			cacheDir = os.TempDir()
		}
		l.stateDir = filepath.Join(cacheDir, "devup")
	}

	if l.rootDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting wd: %w", err)
		}
		root := files.FindUpDir(l.backendDir, wd)
		if root == "" {
			root = wd
		}
		l.rootDir = root
	}
	return l, nil
}

// Run executes the pipeline top to bottom, stopping at the first fatal
// error. Port reclaim is the only non-fatal step.
func (l *Launcher) Run(ctx context.Context) error {
	lock, err := l.acquireLock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	l.reclaimPorts()

	python, err := l.probePython(ctx)
	if err != nil {
		return err
	}
	if err := l.probeNpm(ctx); err != nil {
		return err
	}

	if err := l.installBackendDeps(ctx, python); err != nil {
		return err
	}
	if err := l.installFrontendDeps(ctx); err != nil {
		return err
	}

	st := launchState{RunID: l.runID, Started: time.Now()}

	st.BackendLog = filepath.Join(l.stateDir, fmt.Sprintf("backend-%s.log", l.runID))
	st.BackendPID, err = proc.StartDetached(proc.DetachRequest{
		Command: string(python),
		Args:    []string{"main.py"},
		WD:      filepath.Join(l.rootDir, l.backendDir),
		LogFile: st.BackendLog,
	})
	if err != nil {
		return fmt.Errorf("starting backend server: %w", err)
	}
	l.log.Infow("started backend server", "pid", st.BackendPID)

	st.FrontendLog = filepath.Join(l.stateDir, fmt.Sprintf("frontend-%s.log", l.runID))
	st.FrontendPID, err = proc.StartDetached(proc.DetachRequest{
		Command: "npm",
		Args:    []string{"run", "dev"},
		WD:      filepath.Join(l.rootDir, l.frontendDir),
		LogFile: st.FrontendLog,
	})
	if err != nil {
		return fmt.Errorf("starting frontend server: %w", err)
	}
	l.log.Infow("started frontend server", "pid", st.FrontendPID)

	if err := l.writeState(st); err != nil {
		// the next run just falls back to the port scan
		l.log.Warnf("unable to record launch state: %s", err)
	}

	fmt.Fprintf(l.out, "\nBackend API:  http://localhost:%d  (interactive docs at /docs)\n", l.backendPort)
	fmt.Fprintf(l.out, "Frontend:     http://localhost:%d\n", l.frontendPort)
	fmt.Fprintf(l.out, "Server logs:  %s\n", l.stateDir)

	time.Sleep(l.exitDelay)
	return nil
}

// reclaimPorts kills whatever holds the dev ports, plus any still-alive
// PIDs recorded by the previous launch. Best effort: failures are logged at
// debug and never abort the launch, since no listener is the common case.
func (l *Launcher) reclaimPorts() {
	log := l.log.Named("reclaim")

	pids := map[int]struct{}{}
	if st, err := l.readState(); err == nil {
		for _, pid := range []int{st.BackendPID, st.FrontendPID} {
			if proc.Alive(pid) {
				pids[pid] = struct{}{}
			}
		}
	}
	for _, port := range []int{l.backendPort, l.frontendPort} {
		found, err := netutil.ListenerPIDs(port)
		if err != nil {
			log.Debugf("unable to scan listeners on port %d: %s", port, err)
			continue
		}
		for _, pid := range found {
			pids[pid] = struct{}{}
		}
	}

	for pid := range pids {
		if pid == 0 || pid == os.Getpid() {
			continue
		}
		if err := proc.Kill(pid); err != nil {
			log.Debugf("unable to kill pid %d: %s", pid, err)
			continue
		}
		log.Infow("killed process holding dev port", "pid", pid)
	}

	// give the OS a moment to release the ports; there is no verification
	// afterward that they are actually free
	time.Sleep(l.settleDelay)
}
