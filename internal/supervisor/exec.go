package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// ParentPIDFlag is appended to every spawned worker's arguments.
const ParentPIDFlag = "--parent-pid"

// ExecSpawner starts workers as child processes of the current binary. Each
// child gets the parent's pid and a stdin pipe: closing the pipe (or the
// parent dying) tells the child to exit after its current task.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

// NewExecSpawner re-executes the running binary with args.
func NewExecSpawner(args []string, logger *zap.Logger) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecSpawner{Path: path, Args: args, Stdout: os.Stdout, Stderr: os.Stderr, Logger: logger}, nil
}

// Spawn starts one worker process.
func (s *ExecSpawner) Spawn(context.Context) (Handle, error) {
	args := append(append([]string{}, s.Args...), ParentPIDFlag, strconv.Itoa(os.Getpid()))
	cmd := exec.Command(s.Path, args...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if s.Env != nil {
		cmd.Env = s.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	h := &processHandle{
		name:  "pid-" + strconv.Itoa(cmd.Process.Pid),
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		if err != nil && s.Logger != nil {
			s.Logger.Debug("worker process ended", zap.String("worker", h.name), zap.Error(err))
		}
		close(h.done)
	}()
	return h, nil
}

type processHandle struct {
	name     string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	done     chan struct{}
	stopOnce sync.Once
}

func (h *processHandle) Name() string          { return h.name }
func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Stop() {
	h.stopOnce.Do(func() { _ = h.stdin.Close() })
}

func (h *processHandle) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := h.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("kill %s: %w", h.name, err)
	}
	return nil
}
