package launcher

import "errors"

// The fatal error taxonomy. Every one of these halts the launch
// immediately; there is no retry and no rollback of completed steps.
var (
	ErrPythonNotFound    = errors.New("python is not installed or not on PATH")
	ErrNpmNotFound       = errors.New("npm is not installed or not on PATH")
	ErrBackendDirMissing = errors.New("backend directory not found")
	ErrBackendInstall    = errors.New("backend dependency install failed")
	ErrFrontendInstall   = errors.New("frontend dependency install failed")
	ErrAlreadyRunning    = errors.New("another devup launch is already in progress")
)

// Hint returns a one-line remediation hint for a fatal launch error, or ""
// if there is nothing useful to suggest.
func Hint(err error) string {
	switch {
	case errors.Is(err, ErrPythonNotFound):
		return "Install Python 3 from https://www.python.org/downloads/ and make sure it is on your PATH."
	case errors.Is(err, ErrNpmNotFound):
		return "Install Node.js (which provides npm) from https://nodejs.org/."
	case errors.Is(err, ErrBackendDirMissing):
		return "Run devup from inside the project checkout; it expects sibling backend/ and frontend/ directories."
	case errors.Is(err, ErrBackendInstall):
		return "Run 'pip install -r requirements.txt' in backend/ to see the full installer output."
	case errors.Is(err, ErrFrontendInstall):
		return "Run 'npm install' in frontend/ to see the full installer output."
	case errors.Is(err, ErrAlreadyRunning):
		return "Wait for the other launch to finish, or remove the lock file from the state directory if it is stale."
	}
	return ""
}
