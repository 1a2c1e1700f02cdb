// Package activation picks up sockets handed over by systemd, so the webhook
// server can run as a socket-activated user service.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Listen returns the first socket passed by systemd, or a new TCP listener on
// addr when the process was not socket-activated. Extra activated sockets are
// closed.
func Listen(addr string) (net.Listener, error) {
	n, err := count(os.Getenv, os.Getpid())
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return net.Listen("tcp", addr)
	}

	// Unset the environment variables so child processes don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	var first net.Listener
	for i := 0; i < n; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			return nil, fmt.Errorf("failed to open activated fd %d", fd)
		}
		if first != nil {
			_ = file.Close()
			continue
		}

		l, err := net.FileListener(file)
		_ = file.Close() // the listener holds its own dup
		if err != nil {
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		first = l
	}
	return first, nil
}

// count returns how many sockets systemd passed to the process pid, zero if
// the activation variables are absent or meant for another process.
func count(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q", fdsStr)
	}
	return n, nil
}
