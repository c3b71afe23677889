// SPDX-License-Identifier: GPL-2.0-or-later

package blockcodec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompress(t *testing.T) {
	compressible := bytes.Repeat([]byte("thermal"), 500)

	cases := []struct {
		name  string
		tag   Tag
		level int
	}{
		{"zstdFast", Zstd, 0},
		{"zstdDefault", Zstd, DefaultLevel},
		{"zstdBest", Zstd, MaxLevel},
		{"lz4", LZ4, 0},
		{"lz4HC", LZ4, MaxLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			compressed, err := Compress(compressible, tc.tag, tc.level)
			require.NoError(t, err)
			require.Less(t, len(compressed), len(compressible))

			actual, err := Decompress(compressed, tc.tag, len(compressible))
			require.NoError(t, err)
			require.Equal(t, compressible, actual)
		})
	}
}

func TestCompressIncompressible(t *testing.T) {
	random := make([]byte, 256)
	rand.New(rand.NewSource(1)).Read(random)

	_, err := Compress(random, Zstd, DefaultLevel)
	require.ErrorIs(t, err, ErrIncompressible)

	_, err = Compress(random, LZ4, DefaultLevel)
	require.ErrorIs(t, err, ErrIncompressible)
}

func TestDecompressSizeMismatch(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2}, 1000)
	compressed, err := Compress(data, Zstd, DefaultLevel)
	require.NoError(t, err)

	_, err = Decompress(compressed, Zstd, len(data)-1)
	require.Error(t, err)

	_, err = Decompress([]byte{1, 2, 3}, None, 4)
	require.Error(t, err)
}

func TestParseTag(t *testing.T) {
	for _, tag := range []Tag{None, Zstd, LZ4} {
		actual, err := ParseTag(tag.String())
		require.NoError(t, err)
		require.Equal(t, tag, actual)
	}
	_, err := ParseTag("brotli")
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestGroupBytes16(t *testing.T) {
	samples := []uint16{0x0102, 0x0304, 0xfffe}
	grouped := GroupBytes16(samples, nil)
	require.Equal(t, []byte{0x02, 0x04, 0xfe, 0x01, 0x03, 0xff}, grouped)

	actual := make([]uint16, 3)
	UngroupBytes16(grouped, actual)
	require.Equal(t, samples, actual)
}
