package buildlog_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vklimov/forgebuild/pkg/buildlog"
	"github.com/vklimov/forgebuild/pkg/clock"
	"github.com/vklimov/forgebuild/pkg/diskfs"
)

func TestWriteLookupRoundTrip(t *testing.T) {
	disk := diskfs.NewMemory()
	lg := buildlog.New(zaptest.NewLogger(t), disk, "/log")

	e := buildlog.Entry{Output: "out.o", CommandHash: 0xdeadbeef, StartMS: 1, EndMS: 5, Mtime: clock.FromUnixNano(42)}
	require.NoError(t, lg.Write(e))

	got, ok := lg.Lookup("out.o")
	require.True(t, ok)
	require.Equal(t, e.CommandHash, got.CommandHash)
	require.True(t, e.Mtime.Equal(got.Mtime))
}

func TestLoadRoundTrip(t *testing.T) {
	disk := diskfs.NewMemory()
	lg := buildlog.New(zaptest.NewLogger(t), disk, "/log")
	require.NoError(t, lg.Write(buildlog.Entry{Output: "a", CommandHash: 1, Mtime: clock.FromUnixNano(10)}))
	require.NoError(t, lg.Write(buildlog.Entry{Output: "b", CommandHash: 2, Mtime: clock.FromUnixNano(20)}))

	lg2 := buildlog.New(zaptest.NewLogger(t), disk, "/log")
	warn, err := lg2.Load()
	require.NoError(t, err)
	require.Empty(t, warn)

	a, ok := lg2.Lookup("a")
	require.True(t, ok)
	require.Equal(t, uint64(1), a.CommandHash)
	b, ok := lg2.Lookup("b")
	require.True(t, ok)
	require.Equal(t, uint64(2), b.CommandHash)
}

func TestLoadDuplicateOutputLatestWins(t *testing.T) {
	disk := diskfs.NewMemory()
	lg := buildlog.New(zaptest.NewLogger(t), disk, "/log")
	require.NoError(t, lg.Write(buildlog.Entry{Output: "a", CommandHash: 1}))
	require.NoError(t, lg.Write(buildlog.Entry{Output: "a", CommandHash: 2}))

	lg2 := buildlog.New(zaptest.NewLogger(t), disk, "/log")
	_, err := lg2.Load()
	require.NoError(t, err)
	a, ok := lg2.Lookup("a")
	require.True(t, ok)
	require.Equal(t, uint64(2), a.CommandHash)
}

func TestLoadMissingFileIsOK(t *testing.T) {
	disk := diskfs.NewMemory()
	lg := buildlog.New(zaptest.NewLogger(t), disk, "/nope")
	warn, err := lg.Load()
	require.NoError(t, err)
	require.Empty(t, warn)
}

func TestRecompactDropsDeadOutputs(t *testing.T) {
	disk := diskfs.NewMemory()
	lg := buildlog.New(zaptest.NewLogger(t), disk, "/log")
	require.NoError(t, lg.Write(buildlog.Entry{Output: "live", CommandHash: 1}))
	require.NoError(t, lg.Write(buildlog.Entry{Output: "dead", CommandHash: 2}))

	require.NoError(t, lg.Recompact(map[string]bool{"live": true}))

	_, ok := lg.Lookup("dead")
	require.False(t, ok)
	_, ok = lg.Lookup("live")
	require.True(t, ok)

	lg2 := buildlog.New(zaptest.NewLogger(t), disk, "/log")
	_, err := lg2.Load()
	require.NoError(t, err)
	_, ok = lg2.Lookup("dead")
	require.False(t, ok)
}
