package control

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dyninst/pp/procfs"
	"github.com/dyninst/pp/region"
)

func startSleeper(t *testing.T) int {
	t.Helper()

	cmd := exec.Command("/bin/sleep", "infinity")
	e := cmd.Start()
	require.NoError(t, e)
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	return cmd.Process.Pid
}

func TestAttachDetach(t *testing.T) {
	pid := startSleeper(t)

	ctrl, err := Attach(context.Background(), pid)
	require.NoError(t, err, "% -+#.1v", err)
	require.NotEmpty(t, ctrl.Threads())

	main, err := ctrl.MainThread()
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, pid, main.Pid)

	ctrl.Close()

	// Balanced: the target must be running normally again. Signal 0
	// probes existence without delivering anything.
	assert.NoError(t, unix.Kill(pid, 0))
}

func TestAttachAllThreads(t *testing.T) {
	pid := startSleeper(t)

	threads, err := procfs.Threads(pid)
	require.NoError(t, err, "% -+#.1v", err)

	ctrl, err := Attach(context.Background(), pid)
	require.NoError(t, err, "% -+#.1v", err)
	defer ctrl.Close()

	assert.Len(t, ctrl.Threads(), len(threads))
}

func TestAttachNoSuchProcess(t *testing.T) {
	// Pid 1 rejects ptrace from an unprivileged test; a wildly invalid
	// pid fails earlier, at thread enumeration.
	_, err := Attach(context.Background(), 1<<22)
	assert.Error(t, err)
}

func TestAttachTimeoutContext(t *testing.T) {
	pid := startSleeper(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// A healthy target stops well within the deadline.
	ctrl, err := Attach(ctx, pid)
	require.NoError(t, err, "% -+#.1v", err)
	ctrl.Close()
}

func TestRegistersRoundTrip(t *testing.T) {
	pid := startSleeper(t)

	ctrl, err := Attach(context.Background(), pid)
	require.NoError(t, err, "% -+#.1v", err)
	defer ctrl.Close()

	main, err := ctrl.MainThread()
	require.NoError(t, err, "% -+#.1v", err)

	regs, err := ctrl.GetRegs(main)
	require.NoError(t, err, "% -+#.1v", err)
	assert.NotZero(t, regs.Rip)
	assert.NotZero(t, regs.Rsp)

	err = ctrl.SetRegs(main, &regs)
	require.NoError(t, err, "% -+#.1v", err)

	again, err := ctrl.GetRegs(main)
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, regs, again)
}

func TestGetFPRegs(t *testing.T) {
	pid := startSleeper(t)

	ctrl, err := Attach(context.Background(), pid)
	require.NoError(t, err, "% -+#.1v", err)
	defer ctrl.Close()

	main, err := ctrl.MainThread()
	require.NoError(t, err, "% -+#.1v", err)

	_, err = ctrl.GetFPRegs(main)
	assert.NoError(t, err, "% -+#.1v", err)
}

func TestRunSyscallGetpid(t *testing.T) {
	pid := startSleeper(t)

	ctrl, err := Attach(context.Background(), pid)
	require.NoError(t, err, "% -+#.1v", err)
	defer ctrl.Close()

	res, err := ctrl.RunSyscall(unix.SYS_GETPID, [6]uint64{})
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, uint64(pid), res) //nolint:gosec
}

func TestRunSyscallFailure(t *testing.T) {
	pid := startSleeper(t)

	ctrl, err := Attach(context.Background(), pid)
	require.NoError(t, err, "% -+#.1v", err)
	defer ctrl.Close()

	// close(-1) returns EBADF, which must surface as a remote failure.
	_, err = ctrl.RunSyscall(unix.SYS_CLOSE, [6]uint64{^uint64(0)})
	assert.ErrorIs(t, err, ErrRemoteSyscallFailed)
}

func TestScratchRestored(t *testing.T) {
	pid := startSleeper(t)

	ctrl, err := Attach(context.Background(), pid)
	require.NoError(t, err, "% -+#.1v", err)
	defer ctrl.Close()

	main, err := ctrl.MainThread()
	require.NoError(t, err, "% -+#.1v", err)

	regions, err := procfs.Regions(pid)
	require.NoError(t, err, "% -+#.1v", err)
	var scratch uintptr
	for _, r := range regions {
		if r.Perm.Has(region.Execute) {
			scratch = r.Begin
			break
		}
	}
	require.NotZero(t, scratch)

	before, err := ctrl.peekText(main, scratch, scratchLen)
	require.NoError(t, err, "% -+#.1v", err)

	_, err = ctrl.RunSyscall(unix.SYS_GETPID, [6]uint64{})
	require.NoError(t, err, "% -+#.1v", err)

	after, err := ctrl.peekText(main, scratch, scratchLen)
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, before, after)
}

func TestMainThreadEmpty(t *testing.T) {
	t.Parallel()

	c := &Controller{pid: 42}
	_, err := c.MainThread()
	assert.ErrorIs(t, err, ErrNoThread)
}

func TestCloseIdempotent(t *testing.T) {
	pid := startSleeper(t)

	ctrl, err := Attach(context.Background(), pid)
	require.NoError(t, err, "% -+#.1v", err)

	ctrl.Close()
	ctrl.Close()
}
