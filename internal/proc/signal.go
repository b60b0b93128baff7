package proc

import "golang.org/x/sys/unix"

// Alive reports whether a process with the given PID exists. Signal 0
// performs error checking without delivering a signal.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// Kill forcibly terminates the process with the given PID.
func Kill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}
