package conf_test

import (
	"testing"

	"github.com/coreraft/raft/internal/conf"
	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
)

func threeVoters() conf.Configuration {
	return conf.Configuration{Servers: []conf.Server{
		{ID: 1, Address: "n1", Role: conf.RoleVoter},
		{ID: 2, Address: "n2", Role: conf.RoleVoter},
		{ID: 3, Address: "n3", Role: conf.RoleVoter},
	}}
}

func TestQuorum(t *testing.T) {
	require.Equal(t, 1, conf.Quorum(1))
	require.Equal(t, 2, conf.Quorum(2))
	require.Equal(t, 2, conf.Quorum(3))
	require.Equal(t, 3, conf.Quorum(4))
	require.Equal(t, 3, conf.Quorum(5))
}

func TestHasQuorum(t *testing.T) {
	c := threeVoters()
	require.False(t, c.HasQuorum(map[uint64]bool{1: true}))
	require.True(t, c.HasQuorum(map[uint64]bool{1: true, 2: true}))
}

func TestValidateRejectsDuplicateAndZero(t *testing.T) {
	c := threeVoters()
	c.Servers = append(c.Servers, conf.Server{ID: 1, Address: "dup"})
	require.Error(t, c.Validate())

	c2 := conf.Configuration{Servers: []conf.Server{{ID: 0}}}
	require.Error(t, c2.Validate())
}

func TestApplyAddRemoveAssign(t *testing.T) {
	c := threeVoters()

	added, err := c.Apply(conf.ChangeAdd, 4, "n4", conf.RoleSpare)
	require.NoError(t, err)
	require.Equal(t, 4, len(added.Servers))

	_, err = added.Apply(conf.ChangeAdd, 4, "dup", conf.RoleSpare)
	require.Error(t, err)

	promoted, err := added.Apply(conf.ChangeAssignRole, 4, "", conf.RoleVoter)
	require.NoError(t, err)
	s, ok := promoted.Get(4)
	require.True(t, ok)
	require.Equal(t, conf.RoleVoter, s.Role)

	removed, err := promoted.Apply(conf.ChangeRemove, 2, "", 0)
	require.NoError(t, err)
	require.Equal(t, 3, removed.VoterCount())
	_, ok = removed.Get(2)
	require.False(t, ok)

	// original untouched by any of the above
	require.Equal(t, 3, len(c.Servers))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := threeVoters()
	c.Servers = append(c.Servers, conf.Server{ID: 4, Address: "n4", Role: conf.RoleStandby})

	encoded := conf.Encode(c)
	decoded, err := conf.Decode(encoded)
	require.NoError(t, err)

	if diff := deep.Equal(c, decoded); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, err := conf.Decode([]byte{1, 2})
	require.Error(t, err)
}
