package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// signalExitCodeOffset follows the shell convention for signal exits.
const signalExitCodeOffset = 128

var stopSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT}

// notifyContext returns a context cancelled by the first stop signal, and a
// function reporting the exit code that signal implies (0 if none arrived).
func notifyContext(parent context.Context) (context.Context, func() int, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	var code atomic.Int32

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, stopSignals...)
	go func() {
		select {
		case sig := <-ch:
			code.Store(int32(exitCodeFor(sig)))
			cancel()
		case <-ctx.Done():
		}
	}()

	stop := func() {
		signal.Stop(ch)
		cancel()
	}
	return ctx, func() int { return int(code.Load()) }, stop
}

func exitCodeFor(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return signalExitCodeOffset + int(s)
	}
	return 1
}
