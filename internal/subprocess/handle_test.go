package subprocess

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecCollectEchoesStdout(t *testing.T) {
	res, err := ExecCollect("sh", []string{"-c", "cat; echo done >&2"}, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello", string(res.Stdout))
	assert.Contains(t, string(res.Stderr), "done")
}

func TestExecCollectExitCode(t *testing.T) {
	res, err := ExecCollect("sh", []string{"-c", "exit 7"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
}

func TestWaitAfterSignalReportsNegatedSignal(t *testing.T) {
	h, err := Spawn("sh", "-c", "sleep 30")
	require.NoError(t, err)

	require.True(t, h.Running())
	require.True(t, h.Signal(syscall.SIGKILL))

	code := h.Wait()
	assert.Equal(t, -int(syscall.SIGKILL), code)
	assert.False(t, h.Running())
}

func TestWaitIsIdempotent(t *testing.T) {
	h, err := Spawn("sh", "-c", "exit 3")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	first := h.Wait()
	second := h.Wait()
	assert.Equal(t, first, second)
	assert.Equal(t, 3, first)
}

func TestStdinWriteAndCloseStdin(t *testing.T) {
	h, err := Spawn("sh", "-c", "cat")
	require.NoError(t, err)

	_, err = h.StdinWrite([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, h.CloseStdin())

	buf := make([]byte, 4)
	n, _ := h.StdoutRead(buf)
	assert.Equal(t, "ping", string(buf[:n]))
	h.Wait()
}
