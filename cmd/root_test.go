package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/redirect-resolver/internal/app"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["checker"])
	require.True(t, names["worker"])
	require.True(t, names["pusher"])
	require.NotNil(t, root.PersistentFlags().Lookup("config"))

	worker, _, err := root.Find([]string{"worker"})
	require.NoError(t, err)
	require.NotNil(t, worker.Flags().Lookup("parent-pid"))
}

func TestInvalidConfigFailsStartup(t *testing.T) {
	path := writeConfig(t, "checker:\n  pool_size: 0\n")
	root := newRootCmd()
	root.SetArgs([]string{"--config", path, "pusher"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "checker.pool_size")
}

func TestSubcommandsStopOnCancelledContext(t *testing.T) {
	path := writeConfig(t, "admin:\n  addr: \"\"\n  pusher_addr: \"\"\nchecker:\n  check_url: http://127.0.0.1:1/\n")
	for _, sub := range []string{"pusher", "worker", "checker"} {
		t.Run(sub, func(t *testing.T) {
			var built *app.App
			orig := newApp
			newApp = func(ctx context.Context, cfgFile, role string) (*app.App, error) {
				require.Equal(t, sub, role)
				a, err := orig(ctx, cfgFile, role)
				built = a
				return a, err
			}
			t.Cleanup(func() { newApp = orig })

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			root := newRootCmd()
			root.SetArgs([]string{"--config", path, sub})

			done := make(chan error, 1)
			go func() { done <- root.ExecuteContext(ctx) }()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatalf("%s did not stop", sub)
			}
			require.NotNil(t, built)
		})
	}
}

func TestExitCodeFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, 128+15, exitCodeFor(syscall.SIGTERM))
	require.Equal(t, 128+2, exitCodeFor(syscall.SIGINT))
	require.Equal(t, 128+1, exitCodeFor(syscall.SIGHUP))
	require.Equal(t, 128+3, exitCodeFor(syscall.SIGQUIT))
}

func TestNotifyContextRecordsSignal(t *testing.T) {
	ctx, exitCode, stop := notifyContext(context.Background())
	defer stop()
	require.Zero(t, exitCode())

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not cancel the context")
	}
	require.Equal(t, 129, exitCode())
}
