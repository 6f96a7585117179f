package snapshot_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coreraft/raft/internal/conf"
	"github.com/coreraft/raft/internal/snapshot"
	"github.com/stretchr/testify/require"
)

func sampleConfig() conf.Configuration {
	return conf.Configuration{Servers: []conf.Server{
		{ID: 1, Address: "n1:8080", Role: conf.RoleVoter},
		{ID: 2, Address: "n2:8080", Role: conf.RoleVoter},
	}}
}

func TestPutAndGetLatest(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshot.Open(dir)
	require.NoError(t, err)

	m := snapshot.Metadata{Term: 2, Index: 10, Timestamp: 100, ConfigurationIndex: 1, Configuration: sampleConfig()}
	require.NoError(t, s.Put(m, []byte("state-at-10")))

	got, data, ok, err := s.GetLatest()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "state-at-10", string(data))
	require.Equal(t, uint64(10), got.Index)
	require.Equal(t, uint64(2), got.Term)
	require.Equal(t, uint64(1), got.ConfigurationIndex)
	require.Len(t, got.Configuration.Servers, 2)
}

func TestGetLatestPicksHighestTermThenIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshot.Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put(snapshot.Metadata{Term: 1, Index: 50, Timestamp: 1, Configuration: sampleConfig()}, []byte("old")))
	require.NoError(t, s.Put(snapshot.Metadata{Term: 1, Index: 40, Timestamp: 2, Configuration: sampleConfig()}, []byte("stale-by-term-tie")))
	require.NoError(t, s.Put(snapshot.Metadata{Term: 2, Index: 5, Timestamp: 3, Configuration: sampleConfig()}, []byte("newest-by-term")))

	got, data, ok, err := s.GetLatest()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), got.Term)
	require.Equal(t, "newest-by-term", string(data))
}

func TestGetLatestEmptyStore(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshot.Open(dir)
	require.NoError(t, err)

	_, _, ok, err := s.GetLatest()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPruneKeepsOnlyTwoMostRecent(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshot.Open(dir)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Put(snapshot.Metadata{Term: 1, Index: i * 10, Timestamp: i, Configuration: sampleConfig()}, []byte("data")))
	}

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)

	got, _, ok, err := s.GetLatest()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(50), got.Index)
}

func TestListSkipsOrphanedMetadata(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshot.Open(dir)
	require.NoError(t, err)

	m := snapshot.Metadata{Term: 1, Index: 1, Timestamp: 1, Configuration: sampleConfig()}
	require.NoError(t, s.Put(m, []byte("data")))

	// simulate a crash between the metadata write and the data write: a
	// stray .meta file with no matching data file.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot-1-2-2.meta"), []byte("garbage"), 0o600))

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
}
