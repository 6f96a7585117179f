package codec_test

import (
	"testing"

	"github.com/coreraft/raft/internal/codec"
	"github.com/stretchr/testify/require"
)

func TestUint64RoundTrip(t *testing.T) {
	b := make([]byte, 8)
	codec.PutUint64(b, 0x0102030405060708)
	require.Equal(t, uint64(0x0102030405060708), codec.Uint64(b))
	// little-endian: low byte first
	require.Equal(t, byte(0x08), b[0])
}

func TestUint64BERoundTrip(t *testing.T) {
	b := make([]byte, 8)
	codec.PutUint64BE(b, 0x0102030405060708)
	require.Equal(t, uint64(0x0102030405060708), codec.Uint64BE(b))
	require.Equal(t, byte(0x01), b[0])
}

func TestChecksumDetectsCorruption(t *testing.T) {
	data := []byte("hello raft entry")
	c1 := codec.Checksum(data)
	data[0] ^= 0xff
	c2 := codec.Checksum(data)
	require.NotEqual(t, c1, c2)
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 8, codec.AlignUp(1, 8))
	require.Equal(t, 8, codec.AlignUp(8, 8))
	require.Equal(t, 16, codec.AlignUp(9, 8))
	require.Equal(t, 0, codec.AlignUp(0, 8))
}
