// SPDX-License-Identifier: GPL-2.0-or-later

package container

import (
	"bytes"
)

// Format container format.
type Format int

// Formats.
const (
	Unknown Format = iota
	PCR
	PCREncapsulated
	BINWest
	ZCompressed
	H264
	HCC
	Other
)

func (f Format) String() string {
	switch f {
	case PCR:
		return "PCR"
	case PCREncapsulated:
		return "PCR_ENCAPSULATED"
	case BINWest:
		return "BIN_WEST"
	case ZCompressed:
		return "Z_COMPRESSED"
	case H264:
		return "H264_CONTAINER"
	case HCC:
		return "HCC"
	case Other:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}

// DetectSize number of bytes Detect looks at.
const DetectSize = 2000

const (
	pcrEncapsulatedOffset = BINHeaderSize + 5
	binStart              = BINHeaderSize + BINTriggerSize
)

// Info detection result.
type Info struct {
	Format Format
	// Plugin name when Format is Other.
	Plugin string

	Width  int
	Height int
	// Frames per second, 0 if unknown.
	Rate int
	// Offset of the first frame.
	Start int64
	// Bytes from one frame to the next in raw formats.
	TransferSize int64
	// Frame count derived from the header and the
	// stream size, 0 when it cannot be derived.
	Frames int

	// Acquisition date of BIN files.
	Date int64
	// Compression method of Z files.
	Compression uint8
}

// Detect identifies the container format from the first bytes of
// a stream. size is the total stream size. Plugins are not consulted.
func Detect(head []byte, size int64) Info {
	buf := make([]byte, DetectSize)
	copy(buf, head)

	if string(buf[4:8]) == "ftyp" {
		return Info{Format: H264}
	}

	var pcr PCRHeader
	pcr.Unmarshal(buf) //nolint:errcheck
	if pcr.Bits == 16 && pcr.X == 640 && pcr.Y == 512 && pcr.Frequency == 50 {
		return rawInfo(PCR, pcr, PCRHeaderSize, size)
	}
	if pcrPlausible(pcr, 2000) {
		return rawInfo(PCR, pcr, PCRHeaderSize, size)
	}

	var enc PCRHeader
	enc.Unmarshal(buf[pcrEncapsulatedOffset:]) //nolint:errcheck
	if pcrPlausible(enc, 1000) {
		return rawInfo(PCREncapsulated, enc, PCRHeaderSize+pcrEncapsulatedOffset, size)
	}

	var bin BINHeader
	bin.Unmarshal(buf) //nolint:errcheck
	var trigger BINTrigger
	trigger.Unmarshal(buf[BINHeaderSize:]) //nolint:errcheck

	if bin.Version < 10 && bin.Compression == 0 && bin.Triggers == 1 &&
		triggerPlausible(trigger, 1000) {
		info := Info{
			Format:       BINWest,
			Width:        int(trigger.DataSizeX),
			Height:       int(trigger.DataSizeY),
			Rate:         int(trigger.Rate),
			Start:        binStart,
			TransferSize: trigger.DataSizeX * trigger.DataSizeY * 2,
			Date:         trigger.Date,
		}
		info.Frames = rawFrames(size, info.Start, info.TransferSize)
		return info
	}

	if bin.Version == 1 && bin.Compression >= 1 && bin.Compression <= 3 &&
		bin.Triggers == 1 && triggerPlausible(trigger, 3000) {
		return Info{
			Format:      ZCompressed,
			Width:       int(trigger.DataSizeX),
			Height:      int(trigger.DataSizeY),
			Rate:        int(trigger.Rate),
			Start:       binStart,
			Frames:      int(trigger.Samples),
			Date:        trigger.Date,
			Compression: bin.Compression,
		}
	}

	text := buf[:1000]
	if bytes.Contains(text, []byte("H.265")) ||
		bytes.Contains(text, []byte("matroska")) ||
		bytes.HasPrefix(buf, []byte("G@")) {
		return Info{Format: H264}
	}

	if buf[0] == 'T' && buf[1] == 'C' {
		return Info{Format: HCC}
	}
	return Info{Format: Unknown}
}

func pcrPlausible(h PCRHeader, maxSize int32) bool {
	diff := int64(h.TransfertSize) - int64(h.X)*int64(h.Y)*2
	if diff < 0 {
		diff = -diff
	}
	return h.Bits == 16 && diff < 2000 &&
		h.X > 0 && h.Y > 0 && h.X < maxSize && h.Y < maxSize
}

func triggerPlausible(t BINTrigger, maxSize int64) bool {
	return t.DataSizeX > 0 && t.DataSizeX < maxSize &&
		t.DataSizeY > 0 && t.DataSizeY < maxSize &&
		t.Rate > 0 && t.Rate < 1000
}

func rawInfo(format Format, h PCRHeader, start, size int64) Info {
	transfer := int64(h.TransfertSize)
	if frame := int64(h.X) * int64(h.Y) * 2; transfer < frame {
		transfer = frame
	}
	info := Info{
		Format:       format,
		Width:        int(h.X),
		Height:       int(h.Y),
		Rate:         int(h.Frequency),
		Start:        start,
		TransferSize: transfer,
	}
	info.Frames = rawFrames(size, start, transfer)
	return info
}

func rawFrames(size, start, transfer int64) int {
	if transfer <= 0 || size <= start {
		return 0
	}
	return int((size - start) / transfer)
}
