// SPDX-License-Identifier: GPL-2.0-or-later

package container

import (
	"encoding/binary"
	"fmt"
)

// Legacy headers, integers are little-endian.
//
// PCRHeader, padded to 1024 bytes.
//   0  Version          int32
//   4  NbImages         int32
//   8  X                int32
//  12  Y                int32
//  16  Band             int32
//  20  Bits             int32
//  24  Interlaced       int32
//  28  Frequency        int32
//  32  ImagesPerBuffer  int32
//  36  TransfertSize    int32
//  40  GrabSizeX        int32
//  44  GrabSizeY        int32
//
// BINHeader, padded to 128 bytes.
//   0  Version      uint8
//   1  Triggers     uint8
//   2  Compression  uint8
//
// BINTrigger, follows BINHeader, padded to 128 bytes.
//   0  Date               int64
//   8  Rate               int64
//  16  Samples            int64
//  24  SamplesPreTrigger  int64
//  32  Type               int64
//  40  NbChannels         int64
//  48  DataType           int64
//  56  DataFormat         int64
//  64  DataRepetition     int64
//  72  DataSizeX          int64
//  80  DataSizeY          int64

// Header sizes.
const (
	PCRHeaderSize  = 1024
	BINHeaderSize  = 128
	BINTriggerSize = 128
)

// PCRHeader header of PCR files.
type PCRHeader struct {
	Version         int32
	NbImages        int32
	X               int32
	Y               int32
	Band            int32
	Bits            int32
	Interlaced      int32
	Frequency       int32
	ImagesPerBuffer int32
	TransfertSize   int32
	GrabSizeX       int32
	GrabSizeY       int32
}

func (h *PCRHeader) fields() []*int32 {
	return []*int32{
		&h.Version, &h.NbImages, &h.X, &h.Y, &h.Band, &h.Bits,
		&h.Interlaced, &h.Frequency, &h.ImagesPerBuffer,
		&h.TransfertSize, &h.GrabSizeX, &h.GrabSizeY,
	}
}

// Marshal returns the padded header.
func (h PCRHeader) Marshal() []byte {
	buf := make([]byte, PCRHeaderSize)
	for i, f := range h.fields() {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(*f))
	}
	return buf
}

// Unmarshal reads the header fields from buf.
func (h *PCRHeader) Unmarshal(buf []byte) error {
	fields := h.fields()
	if len(buf) < len(fields)*4 {
		return fmt.Errorf("%w: pcr header too short", ErrInvalidFile)
	}
	for i, f := range fields {
		*f = int32(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return nil
}

// BINHeader header of BIN and Z files.
type BINHeader struct {
	Version     uint8
	Triggers    uint8
	Compression uint8
}

// Marshal returns the padded header.
func (h BINHeader) Marshal() []byte {
	buf := make([]byte, BINHeaderSize)
	buf[0] = h.Version
	buf[1] = h.Triggers
	buf[2] = h.Compression
	return buf
}

// Unmarshal reads the header fields from buf.
func (h *BINHeader) Unmarshal(buf []byte) error {
	if len(buf) < 3 {
		return fmt.Errorf("%w: bin header too short", ErrInvalidFile)
	}
	h.Version = buf[0]
	h.Triggers = buf[1]
	h.Compression = buf[2]
	return nil
}

// BINTrigger acquisition description following BINHeader.
type BINTrigger struct {
	Date              int64
	Rate              int64
	Samples           int64
	SamplesPreTrigger int64
	Type              int64
	NbChannels        int64
	DataType          int64
	DataFormat        int64
	DataRepetition    int64
	DataSizeX         int64
	DataSizeY         int64
}

func (t *BINTrigger) fields() []*int64 {
	return []*int64{
		&t.Date, &t.Rate, &t.Samples, &t.SamplesPreTrigger, &t.Type,
		&t.NbChannels, &t.DataType, &t.DataFormat, &t.DataRepetition,
		&t.DataSizeX, &t.DataSizeY,
	}
}

// Marshal returns the padded trigger.
func (t BINTrigger) Marshal() []byte {
	buf := make([]byte, BINTriggerSize)
	for i, f := range t.fields() {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(*f))
	}
	return buf
}

// Unmarshal reads the trigger fields from buf.
func (t *BINTrigger) Unmarshal(buf []byte) error {
	fields := t.fields()
	if len(buf) < len(fields)*8 {
		return fmt.Errorf("%w: bin trigger too short", ErrInvalidFile)
	}
	for i, f := range fields {
		*f = int64(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return nil
}
