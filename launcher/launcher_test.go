package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	netutil "github.com/guseggert/devup/internal/net"
	"github.com/guseggert/devup/internal/proc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// testEnv is a fake project checkout plus a PATH containing only stub
// executables, so pipeline tests never touch real python or npm.
type testEnv struct {
	root  string
	bin   string
	state string
	calls string
	out   bytes.Buffer
}

func setup(t *testing.T) *testEnv {
	e := &testEnv{root: t.TempDir(), bin: t.TempDir(), state: t.TempDir()}
	e.calls = filepath.Join(e.bin, "calls")
	require.NoError(t, os.MkdirAll(filepath.Join(e.root, "backend"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "backend", "requirements.txt"), []byte("fastapi\nuvicorn\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(e.root, "frontend"), 0o755))
	t.Setenv("PATH", e.bin)
	return e
}

func (e *testEnv) stub(t *testing.T, name, body string) {
	t.Helper()
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(filepath.Join(e.bin, name), []byte(script), 0o755))
}

// recordingStub installs a stub that appends its name and args to the calls
// file and exits 0.
func (e *testEnv) recordingStub(t *testing.T, name string) {
	e.stub(t, name, fmt.Sprintf("echo \"%s $*\" >> \"%s\"\nexit 0\n", name, e.calls))
}

// failingStub records like recordingStub but exits 1 when its args contain
// failOn.
func (e *testEnv) failingStub(t *testing.T, name, failOn string) {
	body := fmt.Sprintf("echo \"%s $*\" >> \"%s\"\ncase \"$*\" in *%q*) exit 1 ;; esac\nexit 0\n", name, e.calls, failOn)
	e.stub(t, name, body)
}

func (e *testEnv) callLines() []string {
	b, err := os.ReadFile(e.calls)
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func (e *testEnv) hasCall(line string) bool {
	for _, l := range e.callLines() {
		if l == line {
			return true
		}
	}
	return false
}

func (e *testEnv) newLauncher(t *testing.T) *Launcher {
	// reclaim free ephemeral ports instead of the real dev ports, so tests
	// never kill unrelated processes on the host
	backendPort, err := netutil.GetEphemeralTCPPort()
	require.NoError(t, err)
	frontendPort, err := netutil.GetEphemeralTCPPort()
	require.NoError(t, err)

	l, err := New(
		WithRootDir(e.root),
		WithStateDir(e.state),
		WithPorts(backendPort, frontendPort),
		WithDelays(0, 0),
		WithOutput(&e.out, &e.out),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	return l
}

func TestLaunchFreshCheckout(t *testing.T) {
	e := setup(t)
	e.recordingStub(t, "python3")
	e.recordingStub(t, "npm")

	l := e.newLauncher(t)
	require.NoError(t, l.Run(context.Background()))

	assert.True(t, e.hasCall("python3 -m pip install -r requirements.txt --quiet"), "backend install must always run")
	assert.True(t, e.hasCall("npm install"), "frontend install must run without node_modules")

	// the server spawns are detached, so poll for their markers
	assert.Eventually(t, func() bool {
		return e.hasCall("python3 main.py") && e.hasCall("npm run dev")
	}, 5*time.Second, 20*time.Millisecond)

	out := e.out.String()
	assert.Contains(t, out, fmt.Sprintf("http://localhost:%d", l.backendPort))
	assert.Contains(t, out, fmt.Sprintf("http://localhost:%d", l.frontendPort))

	st, err := l.readState()
	require.NoError(t, err)
	assert.Equal(t, l.runID, st.RunID)
	assert.Greater(t, st.BackendPID, 0)
	assert.Greater(t, st.FrontendPID, 0)
}

func TestRerunSkipsFrontendInstall(t *testing.T) {
	e := setup(t)
	require.NoError(t, os.MkdirAll(filepath.Join(e.root, "frontend", "node_modules"), 0o755))
	e.recordingStub(t, "python3")
	e.recordingStub(t, "npm")

	require.NoError(t, e.newLauncher(t).Run(context.Background()))

	assert.True(t, e.hasCall("python3 -m pip install -r requirements.txt --quiet"))
	assert.False(t, e.hasCall("npm install"), "frontend install must be skipped with a warm node_modules")

	assert.Eventually(t, func() bool {
		return e.hasCall("python3 main.py") && e.hasCall("npm run dev")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPythonAliasFallback(t *testing.T) {
	e := setup(t)
	e.recordingStub(t, "python")
	e.recordingStub(t, "npm")

	require.NoError(t, e.newLauncher(t).Run(context.Background()))

	assert.True(t, e.hasCall("python -m pip install -r requirements.txt --quiet"))
	assert.Eventually(t, func() bool {
		return e.hasCall("python main.py")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMissingPython(t *testing.T) {
	e := setup(t)
	e.recordingStub(t, "npm")

	err := e.newLauncher(t).Run(context.Background())
	require.ErrorIs(t, err, ErrPythonNotFound)

	// halts before probing npm, installing, or spawning anything
	assert.NoFileExists(t, e.calls)
	assert.NoFileExists(t, filepath.Join(e.state, "launch.json"))
}

func TestMissingNpm(t *testing.T) {
	e := setup(t)
	e.recordingStub(t, "python3")

	err := e.newLauncher(t).Run(context.Background())
	require.ErrorIs(t, err, ErrNpmNotFound)

	assert.Equal(t, []string{"python3 --version"}, e.callLines())
}

func TestMissingBackendDir(t *testing.T) {
	e := setup(t)
	require.NoError(t, os.RemoveAll(filepath.Join(e.root, "backend")))
	e.recordingStub(t, "python3")
	e.recordingStub(t, "npm")

	err := e.newLauncher(t).Run(context.Background())
	require.ErrorIs(t, err, ErrBackendDirMissing)

	assert.False(t, e.hasCall("python3 -m pip install -r requirements.txt --quiet"))
	assert.False(t, e.hasCall("python3 main.py"))
	assert.NoFileExists(t, filepath.Join(e.state, "launch.json"))
}

func TestBackendInstallFailure(t *testing.T) {
	e := setup(t)
	e.failingStub(t, "python3", "pip install")
	e.recordingStub(t, "npm")

	err := e.newLauncher(t).Run(context.Background())
	require.ErrorIs(t, err, ErrBackendInstall)

	assert.False(t, e.hasCall("python3 main.py"))
	assert.False(t, e.hasCall("npm run dev"))
}

func TestFrontendInstallFailure(t *testing.T) {
	e := setup(t)
	e.recordingStub(t, "python3")
	e.failingStub(t, "npm", "install")

	err := e.newLauncher(t).Run(context.Background())
	require.ErrorIs(t, err, ErrFrontendInstall)

	assert.False(t, e.hasCall("python3 main.py"))
	assert.False(t, e.hasCall("npm run dev"))
}

func TestConcurrentLaunchRejected(t *testing.T) {
	e := setup(t)
	e.recordingStub(t, "python3")
	e.recordingStub(t, "npm")

	// hold the launch lock so concurrent launches must fail fast
	lock := flock.New(filepath.Join(e.state, "launch.lock"))
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer lock.Unlock()

	var group errgroup.Group
	for i := 0; i < 2; i++ {
		l := e.newLauncher(t)
		group.Go(func() error {
			err := l.Run(context.Background())
			if !errors.Is(err, ErrAlreadyRunning) {
				return fmt.Errorf("expected ErrAlreadyRunning, got %v", err)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestReclaimKillsPriorServers(t *testing.T) {
	e := setup(t)
	e.recordingStub(t, "python3")
	e.recordingStub(t, "npm")

	// stand in for a backend server left over from a previous launch
	pid, err := proc.StartDetached(proc.DetachRequest{Command: "/bin/sleep", Args: []string{"60"}})
	require.NoError(t, err)

	l := e.newLauncher(t)
	require.NoError(t, l.writeState(launchState{RunID: "previous", BackendPID: pid}))

	require.NoError(t, l.Run(context.Background()))

	// the child is never reaped by us, so a successful kill leaves a zombie
	assert.Eventually(t, func() bool {
		return procGoneOrZombie(pid)
	}, 5*time.Second, 20*time.Millisecond)
}

func procGoneOrZombie(pid int) bool {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	s := string(b)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+1 >= len(s) {
		return false
	}
	fields := strings.Fields(s[i+1:])
	return len(fields) > 0 && fields[0] == "Z"
}

func TestNewDiscoversRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "backend"), 0o755))
	sub := filepath.Join(root, "frontend", "src")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(sub))
	defer os.Chdir(wd)

	l, err := New(WithStateDir(t.TempDir()), WithLogger(zap.NewNop()))
	require.NoError(t, err)

	wantRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	gotRoot, err := filepath.EvalSymlinks(l.rootDir)
	require.NoError(t, err)
	assert.Equal(t, wantRoot, gotRoot)
}

func TestNewDefaults(t *testing.T) {
	l, err := New(WithRootDir(t.TempDir()), WithStateDir(t.TempDir()), WithLogger(zap.NewNop()))
	require.NoError(t, err)

	assert.Equal(t, 8000, l.backendPort)
	assert.Equal(t, 3000, l.frontendPort)
	assert.Equal(t, "backend", l.backendDir)
	assert.Equal(t, "frontend", l.frontendDir)
	assert.Equal(t, 1*time.Second, l.settleDelay)
	assert.Equal(t, 3*time.Second, l.exitDelay)
	assert.NotEmpty(t, l.runID)
}

func TestHint(t *testing.T) {
	for _, err := range []error{
		ErrPythonNotFound,
		ErrNpmNotFound,
		ErrBackendDirMissing,
		ErrBackendInstall,
		ErrFrontendInstall,
		ErrAlreadyRunning,
	} {
		assert.NotEmpty(t, Hint(err), err.Error())
		assert.NotEmpty(t, Hint(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
	assert.Empty(t, Hint(errors.New("something else")))
}
