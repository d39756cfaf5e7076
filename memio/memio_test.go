package memio

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyninst/pp/region"
)

// bufRegion exposes a local buffer as a region of our own address space,
// so cross-process I/O can be exercised without a second process.
func bufRegion(buf []byte) region.Region {
	begin := uintptr(unsafe.Pointer(&buf[0]))
	return region.Region{
		Begin: begin,
		End:   begin + uintptr(len(buf)),
		Perm:  region.Read | region.Write,
	}
}

func TestReadWrite(t *testing.T) {
	t.Parallel()

	buf := []byte("hello cross-process world")
	r := bufRegion(buf)

	data, err := Read(os.Getpid(), r)
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, buf, data)

	err = Write(os.Getpid(), r, []byte("HELLO"))
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, []byte("HELLO cross-process world"), buf)
}

func TestReadN(t *testing.T) {
	t.Parallel()

	buf := []byte("0123456789")
	r := bufRegion(buf)

	data, err := ReadN(os.Getpid(), r, 4)
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, []byte("0123"), data)
}

func TestReadUnmapped(t *testing.T) {
	t.Parallel()

	r := region.Region{Begin: 0x1, End: 0x1001}
	_, err := Read(os.Getpid(), r)
	assert.Error(t, err)
}

func TestWriteTooLarge(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 8)
	r := bufRegion(buf)

	err := Write(os.Getpid(), r, make([]byte, 16))
	assert.ErrorIs(t, err, ErrWriteTooLarge)
}

func TestReplace(t *testing.T) {
	t.Parallel()

	buf := []byte("say Rap and Rap again")
	r := bufRegion(buf)

	n, err := Replace(os.Getpid(), r, []byte("Rap"), []byte("ABU"), 0)
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("say ABU and ABU again"), buf)
}

func TestReplaceBounded(t *testing.T) {
	t.Parallel()

	buf := []byte("aaa bbb aaa bbb aaa")
	r := bufRegion(buf)

	n, err := Replace(os.Getpid(), r, []byte("aaa"), []byte("ccc"), 2)
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("ccc bbb ccc bbb aaa"), buf)
}

func TestReplaceShorterLeavesTail(t *testing.T) {
	t.Parallel()

	buf := []byte("xx12345yy")
	r := bufRegion(buf)

	// The replacement is shorter than the pattern: only the matched prefix
	// is overwritten, the tail stays.
	n, err := Replace(os.Getpid(), r, []byte("12345"), []byte("ABC"), 1)
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("xxABC45yy"), buf)
}

func TestReplaceNoMatch(t *testing.T) {
	t.Parallel()

	buf := []byte("nothing to see")
	r := bufRegion(buf)

	n, err := Replace(os.Getpid(), r, []byte("zzz"), []byte("yyy"), 0)
	require.NoError(t, err, "% -+#.1v", err)
	assert.Zero(t, n)
	assert.Equal(t, []byte("nothing to see"), buf)
}

func TestReplaceSelfMatchTerminates(t *testing.T) {
	t.Parallel()

	buf := []byte("prefix abc suffix")
	r := bufRegion(buf)

	// Replacement begins with the pattern, so the match can never be
	// eliminated; the unbounded scan must still terminate.
	n, err := Replace(os.Getpid(), r, []byte("abc"), []byte("abc"), 0)
	require.NoError(t, err, "% -+#.1v", err)
	assert.Equal(t, 1, n)
}
