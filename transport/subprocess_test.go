package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess acts as a mock agent CLI. The tests reach it
// through a shim script so the CLI flags land after the "--"
// terminator; HELPER_MODE selects the behavior.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("HELPER_MODE") {
	case "echo":
		// Echo stdin to stdout until EOF, then exit cleanly.
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				_, _ = os.Stdout.Write(buf[:n])
			}
			if err != nil {
				break
			}
		}
		os.Exit(0)
	case "fail":
		fmt.Fprintln(os.Stderr, "something went wrong")
		os.Exit(2)
	case "env":
		fmt.Println(os.Getenv("CLAUDE_CODE_ENTRYPOINT"), os.Getenv("CLAUDECODE"))
		os.Exit(0)
	case "noread":
		// Never read stdin, so the pipe fills and writers block.
		time.Sleep(30 * time.Second)
		os.Exit(0)
	default:
		os.Exit(0)
	}
}

// helperSubprocess builds a Subprocess whose CLI is a shim around this
// test binary running TestHelperProcess in the given mode.
func helperSubprocess(t *testing.T, mode string, opts SubprocessOptions) *Subprocess {
	t.Helper()

	self, err := os.Executable()
	require.NoError(t, err)

	script := filepath.Join(t.TempDir(), "fake-claude")
	shim := "#!/bin/sh\nexec " + self + " -test.run=TestHelperProcess -- \"$@\"\n"
	require.NoError(t, os.WriteFile(script, []byte(shim), 0o755))

	opts.CLIPath = script
	if opts.Env == nil {
		opts.Env = map[string]string{}
	}
	opts.Env["GO_WANT_HELPER_PROCESS"] = "1"
	opts.Env["HELPER_MODE"] = mode

	s := NewSubprocess(opts)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSubprocessEchoRoundTrip(t *testing.T) {
	s := helperSubprocess(t, "echo", SubprocessOptions{})
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, []byte(`{"type":"user"}`)))

	var got []byte
	for !strings.Contains(string(got), "\n") {
		chunk, err := s.ReadChunk(ctx)
		require.NoError(t, err)
		got = append(got, chunk...)
	}
	assert.Equal(t, "{\"type\":\"user\"}\n", string(got))
	assert.True(t, s.Alive())
}

func TestSubprocessEndInputThenEOF(t *testing.T) {
	s := helperSubprocess(t, "echo", SubprocessOptions{})
	ctx := context.Background()

	require.NoError(t, s.EndInput())

	_, err := s.ReadChunk(ctx)
	require.ErrorIs(t, err, io.EOF)
	assert.False(t, s.Alive())

	// Writes after EndInput are refused.
	require.Error(t, s.Write(ctx, []byte("{}")))
}

func TestSubprocessNonzeroExit(t *testing.T) {
	s := helperSubprocess(t, "fail", SubprocessOptions{})

	var chunk []byte
	var err error
	for err == nil {
		chunk, err = s.ReadChunk(context.Background())
		_ = chunk
	}

	var exit *ProcessExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 2, exit.ExitCode)
	assert.Contains(t, exit.Stderr, "something went wrong")
}

func TestSubprocessEnvMarker(t *testing.T) {
	t.Setenv("CLAUDECODE", "1")
	s := helperSubprocess(t, "env", SubprocessOptions{})

	var got []byte
	var err error
	for err == nil && !strings.Contains(string(got), "\n") {
		var chunk []byte
		chunk, err = s.ReadChunk(context.Background())
		got = append(got, chunk...)
	}

	// Entrypoint marker set, inherited CLAUDECODE stripped.
	assert.Equal(t, "sdk-go", strings.TrimSpace(string(got)))
}

func TestSubprocessCloseIdempotent(t *testing.T) {
	s := helperSubprocess(t, "echo", SubprocessOptions{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.Alive())
}

func TestSubprocessCloseWhileWriteBlocked(t *testing.T) {
	s := helperSubprocess(t, "noread", SubprocessOptions{})
	ctx := context.Background()

	// Fill the stdin pipe until the writer blocks. Closing stdin during
	// teardown is what unblocks it.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		payload := []byte(strings.Repeat("x", 1<<20) + "\n")
		for i := 0; i < 8; i++ {
			if err := s.Write(ctx, payload); err != nil {
				return
			}
		}
	}()

	// Give the writer time to hit the full pipe.
	time.Sleep(200 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return while a write was blocked")
	}

	select {
	case <-writerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("blocked writer never unblocked")
	}
	assert.False(t, s.Alive())
}

func TestSubprocessConnectMissingBinary(t *testing.T) {
	s := NewSubprocess(SubprocessOptions{
		CLIPath: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	err := s.Connect(context.Background())
	require.Error(t, err)
}

func TestFilterEnv(t *testing.T) {
	environ := []string{"PATH=/bin", "CLAUDECODE=1", "claudecode=x", "HOME=/root"}
	got := filterEnv(environ, "CLAUDECODE")
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root"}, got)
}

func TestTailBufferKeepsTail(t *testing.T) {
	tb := &tailBuffer{max: 8}
	_, err := tb.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "89abcdef", tb.String())
}

func TestSubprocessWriteBeforeConnect(t *testing.T) {
	s := NewSubprocess(SubprocessOptions{})
	require.Error(t, s.Write(context.Background(), []byte("{}")))
	_, err := s.ReadChunk(context.Background())
	require.Error(t, err)
	assert.False(t, s.Alive())
	require.NoError(t, s.Close())
}

func TestCLINotFoundErrorMessage(t *testing.T) {
	err := &CLINotFoundError{Searched: []string{"$PATH", "/usr/local/bin/claude"}}
	assert.Contains(t, err.Error(), "/usr/local/bin/claude")
	var target *CLINotFoundError
	assert.True(t, errors.As(err, &target))
}
