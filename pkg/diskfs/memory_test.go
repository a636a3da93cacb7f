package diskfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vklimov/forgebuild/pkg/diskfs"
)

func TestMemoryStatMissing(t *testing.T) {
	m := diskfs.NewMemory()
	ts, err := m.Stat("nope")
	require.NoError(t, err)
	require.True(t, ts.IsMissing())
}

func TestMemoryWriteThenStatAdvances(t *testing.T) {
	m := diskfs.NewMemory()
	require.NoError(t, m.WriteFile("a", []byte("1")))
	t1, _ := m.Stat("a")
	require.NoError(t, m.WriteFile("a", []byte("2")))
	t2, _ := m.Stat("a")
	require.True(t, t1.Before(t2))

	data, err := m.ReadFile("a")
	require.NoError(t, err)
	require.Equal(t, "2", string(data))
}

func TestMemoryRemove(t *testing.T) {
	m := diskfs.NewMemory()
	res, err := m.RemoveFile("missing")
	require.NoError(t, err)
	require.Equal(t, diskfs.AlreadyAbsent, res)

	require.NoError(t, m.WriteFile("a", []byte("x")))
	res, err = m.RemoveFile("a")
	require.NoError(t, err)
	require.Equal(t, diskfs.Removed, res)
}
