package remoteops

import (
	"bufio"
	"context"
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyninst/pp/control"
	"github.com/dyninst/pp/memio"
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

func attach(t *testing.T, pid int) *control.Controller {
	t.Helper()

	ctrl, err := control.Attach(context.Background(), pid)
	require.NoError(t, err, "% -+#.1v", err)
	t.Cleanup(ctrl.Close)
	return ctrl
}

func TestTrampoline(t *testing.T) {
	t.Parallel()

	instr := Trampoline(0x1122334455667788)
	require.Len(t, instr, 13)
	assert.Equal(t, []byte{0x48, 0xB8}, instr[:2])
	assert.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(instr[2:10]))
	assert.Equal(t, []byte{0xFF, 0xE0, 0xC3}, instr[10:])
}

func TestRemoteMmap(t *testing.T) {
	pid := startSleeper(t)
	ctrl := attach(t, pid)

	allocated, err := RemoteMmap(ctrl, 8192)
	require.NoError(t, err, "% -+#.1v", err)
	assert.NotZero(t, allocated.Begin)
	assert.Equal(t, uintptr(8192), allocated.Size())
	assert.Equal(t, region.Read|region.Write|region.Execute, allocated.Perm)

	// The allocation must be visible in the target's own map with full
	// permissions.
	mapped, err := procfs.RegionFor(pid, allocated.Begin)
	require.NoError(t, err, "% -+#.1v", err)
	assert.True(t, mapped.Perm.Has(region.Read|region.Write|region.Execute))
	assert.GreaterOrEqual(t, mapped.Size(), allocated.Size())
}

func TestRemoteMmapUsable(t *testing.T) {
	pid := startSleeper(t)
	ctrl := attach(t, pid)

	allocated, err := RemoteMmap(ctrl, 4096)
	require.NoError(t, err, "% -+#.1v", err)

	payload := []byte("written into fresh target memory")
	err = memio.Write(pid, allocated, payload)
	require.NoError(t, err, "% -+#.1v", err)

	data, err := memio.ReadN(pid, allocated, len(payload))
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, payload, data)
}

func TestScratchInvisible(t *testing.T) {
	pid := startSleeper(t)
	ctrl := attach(t, pid)

	regions, err := procfs.Regions(pid)
	require.NoError(t, err, "% -+#.1v", err)
	var scratch region.Region
	found := false
	for _, r := range regions {
		if r.Perm.Has(region.Execute) {
			scratch = r
			found = true
			break
		}
	}
	require.True(t, found)

	before, err := memio.ReadN(pid, scratch, 64)
	require.NoError(t, err, "% -+#.1v", err)

	_, err = RemoteMmap(ctrl, 4096)
	require.NoError(t, err, "% -+#.1v", err)

	after, err := memio.ReadN(pid, scratch, 64)
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, before, after)
}

func TestRemoteMprotect(t *testing.T) {
	pid := startSleeper(t)
	ctrl := attach(t, pid)

	allocated, err := RemoteMmap(ctrl, 4096)
	require.NoError(t, err, "% -+#.1v", err)

	err = RemoteMprotect(ctrl, allocated, region.Read)
	require.NoError(t, err, "% -+#.1v", err)

	mapped, err := procfs.RegionFor(pid, allocated.Begin)
	require.NoError(t, err, "% -+#.1v", err)
	assert.True(t, mapped.Perm.Has(region.Read))
	assert.False(t, mapped.Perm.Has(region.Write))
	assert.False(t, mapped.Perm.Has(region.Execute))
}

// The probe spins calling is_password until the hook overwrites its
// argument with the magic byte, then reports and exits cleanly.
const probeSource = `
#include <cstdio>
#include <unistd.h>

extern "C" void __attribute__((noinline)) is_password(unsigned char *out) {
	asm volatile("" ::: "memory");
}

int main() {
	unsigned char magic = 0;
	for (;;) {
		is_password(&magic);
		if (magic == 0x5A) {
			std::puts("MAGIC");
			std::fflush(stdout);
			return 0;
		}
		usleep(10000);
	}
}
`

// hook_main must stay self-contained: the payload is the raw .text
// section, so it cannot reference data or other symbols.
const hookSource = `
extern "C" void hook_main(unsigned char *out) {
	*out = 0x5A;
}
`

func TestInstallTrampoline(t *testing.T) {
	if _, err := exec.LookPath("g++"); err != nil {
		t.Skip("g++ not found in PATH")
	}

	dir := t.TempDir()
	probeSrc := filepath.Join(dir, "probe.cpp")
	require.NoError(t, os.WriteFile(probeSrc, []byte(probeSource), 0o644))
	probeBin := filepath.Join(dir, "probe")
	out, e := exec.Command("g++", probeSrc, "-o", probeBin, "-O0").CombinedOutput()
	require.NoError(t, e, "%s", out)

	hookSrc := filepath.Join(dir, "hook.cpp")
	require.NoError(t, os.WriteFile(hookSrc, []byte(hookSource), 0o644))

	cmd := exec.Command(probeBin)
	stdout, e := cmd.StdoutPipe()
	require.NoError(t, e)
	require.NoError(t, cmd.Start())
	waited := false
	t.Cleanup(func() {
		if !waited {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
	})
	pid := cmd.Process.Pid

	fn, errE := procfs.Resolve(pid, "is_password")
	require.NoError(t, errE, "% -+#.1v", errE)
	require.NotNil(t, fn)

	ctrl, errE := control.Attach(context.Background(), pid)
	require.NoError(t, errE, "% -+#.1v", errE)

	errE = InstallTrampoline(context.Background(), ctrl, *fn, hookSrc, filepath.Join(dir, "hook.so"))
	// Detach before asserting so the probe resumes either way.
	ctrl.Close()
	require.NoError(t, errE, "% -+#.1v", errE)

	// The redirected is_password now writes the magic byte on its next
	// invocation; the probe notices and prints.
	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		if scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	select {
	case line := <-lines:
		assert.Equal(t, "MAGIC", line)
	case <-time.After(10 * time.Second):
		t.Fatal("hook did not fire in the target")
	}

	// The target must exit normally, not crash.
	e = cmd.Wait()
	waited = true
	assert.NoError(t, e)
}

func TestRemoteDlopen(t *testing.T) {
	if _, err := exec.LookPath("g++"); err != nil {
		t.Skip("g++ not found in PATH")
	}

	pid := startSleeper(t)

	// sleep must itself be dynamically linked against libc for dlopen
	// resolution to work.
	regions, errE := procfs.Regions(pid)
	require.NoError(t, errE, "% -+#.1v", errE)
	hasLibc := false
	for _, r := range regions {
		if strings.Contains(r.Name, "libc.so") {
			hasLibc = true
		}
	}
	if !hasLibc {
		t.Skip("target is not linked against libc")
	}

	soSource := filepath.Join(t.TempDir(), "probe.cpp")
	require.NoError(t, os.WriteFile(soSource, []byte("extern \"C\" int probe_marker = 7;\n"), 0o644))
	soPath := filepath.Join(t.TempDir(), "probe.so")
	out, e := exec.Command("g++", "-shared", "-fPIC", soSource, "-o", soPath).CombinedOutput()
	require.NoError(t, e, "%s", out)

	ctrl := attach(t, pid)
	err := RemoteDlopen(ctrl, soPath)
	require.NoError(t, err, "% -+#.1v", err)

	regions, errE = procfs.Regions(pid)
	require.NoError(t, errE, "% -+#.1v", errE)
	loaded := false
	for _, r := range regions {
		if r.Name == soPath {
			loaded = true
		}
	}
	assert.True(t, loaded, "injected library not present in target maps")
}
