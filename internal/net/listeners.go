package net

import (
	"bufio"
	"fmt"
	"io"
	gonet "net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// tcpStateListen is the LISTEN state value in /proc/net/tcp tables.
const tcpStateListen = "0A"

// GetEphemeralTCPPort asks the kernel for a currently free TCP port by
// binding to port 0 and releasing the listener.
func GetEphemeralTCPPort() (int, error) {
	listener, err := gonet.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*gonet.TCPAddr).Port, nil
}

// ListenerPIDs returns the PIDs of all processes holding a TCP listener on
// the given port, discovered by matching socket inodes from the kernel's
// tcp/tcp6 tables against per-process fd tables. Processes whose fd tables
// are unreadable (insufficient privilege) are skipped.
func ListenerPIDs(port int) ([]int, error) {
	return listenerPIDs("/proc", port)
}

func listenerPIDs(procRoot string, port int) ([]int, error) {
	inodes := map[uint64]struct{}{}
	for _, table := range []string{"net/tcp", "net/tcp6"} {
		f, err := os.Open(filepath.Join(procRoot, table))
		if err != nil {
			// tcp6 is absent on kernels without IPv6
			continue
		}
		err = collectListenerInodes(f, port, inodes)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", table, err)
		}
	}
	if len(inodes) == 0 {
		return nil, nil
	}
	return socketPIDs(procRoot, inodes)
}

// collectListenerInodes scans a /proc/net/tcp-format table and records the
// socket inodes of LISTEN entries bound to port.
func collectListenerInodes(r io.Reader, port int, inodes map[uint64]struct{}) error {
	sc := bufio.NewScanner(r)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 {
			continue
		}
		if fields[3] != tcpStateListen {
			continue
		}
		local := fields[1]
		i := strings.LastIndexByte(local, ':')
		if i < 0 {
			continue
		}
		p, err := strconv.ParseUint(local[i+1:], 16, 16)
		if err != nil || int(p) != port {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		inodes[inode] = struct{}{}
	}
	return sc.Err()
}

// socketPIDs maps socket inodes back to owning PIDs by reading each
// process's fd symlinks.
func socketPIDs(procRoot string, inodes map[uint64]struct{}) ([]int, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", procRoot, err)
	}

	seen := map[int]struct{}{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fds, err := os.ReadDir(filepath.Join(procRoot, e.Name(), "fd"))
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(procRoot, e.Name(), "fd", fd.Name()))
			if err != nil {
				continue
			}
			inode, ok := socketInode(link)
			if !ok {
				continue
			}
			if _, match := inodes[inode]; match {
				seen[pid] = struct{}{}
				break
			}
		}
	}

	pids := make([]int, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// socketInode extracts the inode from an fd symlink target of the form
// "socket:[12345]".
func socketInode(link string) (uint64, bool) {
	const prefix = "socket:["
	if !strings.HasPrefix(link, prefix) || !strings.HasSuffix(link, "]") {
		return 0, false
	}
	inode, err := strconv.ParseUint(link[len(prefix):len(link)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}
