package supervisor

import (
	"io"
	"os"
	"syscall"
)

// ProcessExists reports whether a process with pid exists and can be signalled.
func ProcessExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// ParentAlive reports whether pid is still this process's parent. A dead
// parent means the child has been re-parented, so the ppid changes.
func ParentAlive(pid int) bool {
	return os.Getppid() == pid && ProcessExists(pid)
}

// WatchPipe returns a channel that is closed once r reaches EOF or fails.
// The supervisor never writes to the pipe; it only closes it.
func WatchPipe(r io.Reader) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_, _ = io.Copy(io.Discard, r)
	}()
	return closed
}

// Liveness combines the supervision pipe with pid polling.
func Liveness(parentPID int, pipe <-chan struct{}) func() bool {
	return func() bool {
		if pipe != nil {
			select {
			case <-pipe:
				return false
			default:
			}
		}
		return ParentAlive(parentPID)
	}
}
