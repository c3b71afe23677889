// SPDX-License-Identifier: GPL-2.0-or-later

package container

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func binHead(h BINHeader, t BINTrigger) []byte {
	return append(h.Marshal(), t.Marshal()...)
}

func TestDetect(t *testing.T) {
	encapsulated := make([]byte, pcrEncapsulatedOffset)
	encapsulated = append(encapsulated, PCRHeader{
		X: 4, Y: 4, Bits: 16, Frequency: 50, TransfertSize: 32,
	}.Marshal()...)

	hcc := HCCHeader{ImageHeaderLength: 256, Width: 4, Height: 3}.Marshal()

	cases := []struct {
		name     string
		head     []byte
		size     int64
		expected Info
	}{
		{
			name: "pcr",
			head: PCRHeader{
				X: 640, Y: 512, Bits: 16, Frequency: 50, TransfertSize: 640 * 512 * 2,
			}.Marshal(),
			size: PCRHeaderSize + 2*640*512*2,
			expected: Info{
				Format: PCR, Width: 640, Height: 512, Rate: 50,
				Start: PCRHeaderSize, TransferSize: 640 * 512 * 2, Frames: 2,
			},
		},
		{
			name: "pcrSmall",
			head: PCRHeader{X: 8, Y: 8, Bits: 16, Frequency: 50}.Marshal(),
			size: PCRHeaderSize + 5*128 + 7,
			expected: Info{
				Format: PCR, Width: 8, Height: 8, Rate: 50,
				Start: PCRHeaderSize, TransferSize: 128, Frames: 5,
			},
		},
		{
			name: "pcrEncapsulated",
			head: encapsulated,
			size: PCRHeaderSize + pcrEncapsulatedOffset + 3*32,
			expected: Info{
				Format: PCREncapsulated, Width: 4, Height: 4, Rate: 50,
				Start: PCRHeaderSize + pcrEncapsulatedOffset, TransferSize: 32, Frames: 3,
			},
		},
		{
			name: "binWest",
			head: binHead(
				BINHeader{Triggers: 1},
				BINTrigger{Date: 7, Rate: 25, DataSizeX: 4, DataSizeY: 4},
			),
			size: binStart + 4*32,
			expected: Info{
				Format: BINWest, Width: 4, Height: 4, Rate: 25,
				Start: binStart, TransferSize: 32, Frames: 4, Date: 7,
			},
		},
		{
			name: "z",
			head: binHead(
				BINHeader{Version: 1, Triggers: 1, Compression: ZLZ4},
				BINTrigger{Rate: 50, Samples: 9, DataSizeX: 2000, DataSizeY: 10},
			),
			size: 100000,
			expected: Info{
				Format: ZCompressed, Width: 2000, Height: 10, Rate: 50,
				Start: binStart, Frames: 9, Compression: ZLZ4,
			},
		},
		{
			name:     "ftyp",
			head:     []byte("\x00\x00\x00\x14ftypirvp"),
			expected: Info{Format: H264},
		},
		{
			name:     "h265",
			head:     append(make([]byte, 300), []byte("x265 H.265/HEVC")...),
			expected: Info{Format: H264},
		},
		{
			name:     "matroska",
			head:     append(make([]byte, 40), []byte("matroska")...),
			expected: Info{Format: H264},
		},
		{
			name:     "mpegts",
			head:     []byte("G@\x11\x10"),
			expected: Info{Format: H264},
		},
		{
			name:     "hcc",
			head:     hcc,
			expected: Info{Format: HCC},
		},
		{
			name:     "empty",
			expected: Info{Format: Unknown},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, Detect(tc.head, tc.size))
		})
	}
}

func TestDetectRandom(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		head := make([]byte, DetectSize)
		r.Read(head)
		require.Equal(t, Unknown, Detect(head, 1e6).Format)
	}
}

func TestDetectPlausibility(t *testing.T) {
	cases := []struct {
		name   string
		header PCRHeader
	}{
		{"bits", PCRHeader{X: 8, Y: 8, Bits: 14}},
		{"transfer", PCRHeader{X: 8, Y: 8, Bits: 16, TransfertSize: 5000}},
		{"tooWide", PCRHeader{X: 2000, Y: 8, Bits: 16, TransfertSize: 32000}},
		{"zero", PCRHeader{Y: 8, Bits: 16}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, Unknown, Detect(tc.header.Marshal(), 1e6).Format)
		})
	}
}

func TestFormatString(t *testing.T) {
	require.Equal(t, "PCR_ENCAPSULATED", PCREncapsulated.String())
	require.Equal(t, "UNKNOWN", Format(99).String())
}

func TestHeaderRoundTrip(t *testing.T) {
	pcr := PCRHeader{Version: 1, NbImages: 2, X: 3, Y: 4, Bits: 16, GrabSizeY: -1}
	var pcr2 PCRHeader
	require.NoError(t, pcr2.Unmarshal(pcr.Marshal()))
	require.Equal(t, pcr, pcr2)

	trigger := BINTrigger{Date: -5, Rate: 50, DataSizeX: 640, DataSizeY: 512}
	var trigger2 BINTrigger
	require.NoError(t, trigger2.Unmarshal(trigger.Marshal()))
	require.Equal(t, trigger, trigger2)

	hcc := HCCHeader{
		ImageHeaderLength: 256, FrameID: 3, DataExp: -2, Width: 4, Height: 3,
		AcquisitionFrameRate: 100000, TemperatureSensor: -40, DataOffset: 1.5,
	}
	var hcc2 HCCHeader
	require.NoError(t, hcc2.Unmarshal(hcc.Marshal()))
	require.Equal(t, hcc, hcc2)

	require.ErrorIs(t, pcr2.Unmarshal(make([]byte, 10)), ErrInvalidFile)
	require.ErrorIs(t, trigger2.Unmarshal(make([]byte, 10)), ErrInvalidFile)
	require.ErrorIs(t, hcc2.Unmarshal(make([]byte, HCCHeaderSize)), ErrInvalidFile)
}
