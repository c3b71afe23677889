// SPDX-License-Identifier: GPL-2.0-or-later

package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"irvideo/pkg/attributes"
)

// HCC files are frames made of an image header followed by
// width*height little-endian samples.
//
// Image header, the fields that are read.
//    0  Signature                     [4]byte "TC"
//    4  ImageHeaderLength             uint16
//    8  FrameID                       uint32
//   12  DataOffset                    float32
//   16  DataExp                       int8
//   24  ExposureTime                  uint32
//   28  CalibrationMode               uint8
//   29  BPRApplied                    uint8
//   32  Width                         uint16
//   34  Height                        uint16
//   36  OffsetX                       uint16
//   38  OffsetY                       uint16
//   44  AcquisitionFrameRate          uint32 mHz
//   48  TriggerDelay                  float32
//  100  POSIXTime                     uint32
//  104  SubSecondTime                 uint32 100ns
//  128  FWPosition                    uint8
//  134  SensorTemperatureRaw          uint16
//  156  ExternalBlackBodyTemperature  float32
//  160  TemperatureSensor             int16
//  164  TemperatureInternalLens       int16
//  248  DeviceSerialNumber            uint32

// HCCHeaderSize minimum image header size.
const HCCHeaderSize = 256

const (
	hccMaxHeaderLength = 6000
	hccInvalidPixel    = 0xFFF1
	hccDateLayout      = "02/01/2006 15:04:05"
)

// HCCHeader image header of HCC frames.
type HCCHeader struct {
	ImageHeaderLength            uint16
	FrameID                      uint32
	DataOffset                   float32
	DataExp                      int8
	ExposureTime                 uint32
	CalibrationMode              uint8
	BPRApplied                   uint8
	Width                        uint16
	Height                       uint16
	OffsetX                      uint16
	OffsetY                      uint16
	AcquisitionFrameRate         uint32
	TriggerDelay                 float32
	POSIXTime                    uint32
	SubSecondTime                uint32
	FWPosition                   uint8
	SensorTemperatureRaw         uint16
	ExternalBlackBodyTemperature float32
	TemperatureSensor            int16
	TemperatureInternalLens      int16
	DeviceSerialNumber           uint32
}

// Unmarshal header from buf.
func (h *HCCHeader) Unmarshal(buf []byte) error {
	if len(buf) < HCCHeaderSize {
		return fmt.Errorf("%w: hcc header too short", ErrInvalidFile)
	}
	if buf[0] != 'T' || buf[1] != 'C' {
		return fmt.Errorf("%w: hcc signature", ErrInvalidFile)
	}
	le := binary.LittleEndian
	h.ImageHeaderLength = le.Uint16(buf[4:])
	h.FrameID = le.Uint32(buf[8:])
	h.DataOffset = math.Float32frombits(le.Uint32(buf[12:]))
	h.DataExp = int8(buf[16])
	h.ExposureTime = le.Uint32(buf[24:])
	h.CalibrationMode = buf[28]
	h.BPRApplied = buf[29]
	h.Width = le.Uint16(buf[32:])
	h.Height = le.Uint16(buf[34:])
	h.OffsetX = le.Uint16(buf[36:])
	h.OffsetY = le.Uint16(buf[38:])
	h.AcquisitionFrameRate = le.Uint32(buf[44:])
	h.TriggerDelay = math.Float32frombits(le.Uint32(buf[48:]))
	h.POSIXTime = le.Uint32(buf[100:])
	h.SubSecondTime = le.Uint32(buf[104:])
	h.FWPosition = buf[128]
	h.SensorTemperatureRaw = le.Uint16(buf[134:])
	h.ExternalBlackBodyTemperature = math.Float32frombits(le.Uint32(buf[156:]))
	h.TemperatureSensor = int16(le.Uint16(buf[160:]))
	h.TemperatureInternalLens = int16(le.Uint16(buf[164:]))
	h.DeviceSerialNumber = le.Uint32(buf[248:])
	return nil
}

// Marshal returns a header of ImageHeaderLength bytes, at least HCCHeaderSize.
func (h HCCHeader) Marshal() []byte {
	size := int(h.ImageHeaderLength)
	if size < HCCHeaderSize {
		size = HCCHeaderSize
	}
	buf := make([]byte, size)
	le := binary.LittleEndian
	buf[0], buf[1] = 'T', 'C'
	le.PutUint16(buf[4:], h.ImageHeaderLength)
	le.PutUint32(buf[8:], h.FrameID)
	le.PutUint32(buf[12:], math.Float32bits(h.DataOffset))
	buf[16] = byte(h.DataExp)
	le.PutUint32(buf[24:], h.ExposureTime)
	buf[28] = h.CalibrationMode
	buf[29] = h.BPRApplied
	le.PutUint16(buf[32:], h.Width)
	le.PutUint16(buf[34:], h.Height)
	le.PutUint16(buf[36:], h.OffsetX)
	le.PutUint16(buf[38:], h.OffsetY)
	le.PutUint32(buf[44:], h.AcquisitionFrameRate)
	le.PutUint32(buf[48:], math.Float32bits(h.TriggerDelay))
	le.PutUint32(buf[100:], h.POSIXTime)
	le.PutUint32(buf[104:], h.SubSecondTime)
	buf[128] = h.FWPosition
	le.PutUint16(buf[134:], h.SensorTemperatureRaw)
	le.PutUint32(buf[156:], math.Float32bits(h.ExternalBlackBodyTemperature))
	le.PutUint16(buf[160:], uint16(h.TemperatureSensor))
	le.PutUint16(buf[164:], uint16(h.TemperatureInternalLens))
	le.PutUint32(buf[248:], h.DeviceSerialNumber)
	return buf
}

// Attributes returns the header fields as attributes.
func (h HCCHeader) Attributes() attributes.Map {
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	i := func(v int64) string { return strconv.FormatInt(v, 10) }
	f := func(v float32) string { return strconv.FormatFloat(float64(v), 'g', -1, 32) }
	return attributes.Map{
		"ImageHeaderLength":            u(uint64(h.ImageHeaderLength)),
		"FrameID":                      u(uint64(h.FrameID)),
		"DataOffset":                   f(h.DataOffset),
		"DataExp":                      i(int64(h.DataExp)),
		"ExposureTime":                 u(uint64(h.ExposureTime)),
		"CalibrationMode":              u(uint64(h.CalibrationMode)),
		"BPRApplied":                   u(uint64(h.BPRApplied)),
		"Width":                        u(uint64(h.Width)),
		"Height":                       u(uint64(h.Height)),
		"OffsetX":                      u(uint64(h.OffsetX)),
		"OffsetY":                      u(uint64(h.OffsetY)),
		"AcquisitionFrameRate":         u(uint64(h.AcquisitionFrameRate)),
		"TriggerDelay":                 f(h.TriggerDelay),
		"POSIXTime":                    u(uint64(h.POSIXTime)),
		"SubSecondTime":                u(uint64(h.SubSecondTime)),
		"FWPosition":                   u(uint64(h.FWPosition)),
		"SensorTemperatureRaw":         u(uint64(h.SensorTemperatureRaw)),
		"ExternalBlackBodyTemperature": f(h.ExternalBlackBodyTemperature),
		"TemperatureSensor":            i(int64(h.TemperatureSensor)),
		"TemperatureInternalLens":      i(int64(h.TemperatureInternalLens)),
		"DeviceSerialNumber":           u(uint64(h.DeviceSerialNumber)),
	}
}

// Type name of the calibration mode.
func (h HCCHeader) Type() string {
	switch h.CalibrationMode {
	case 0:
		return "Raw0"
	case 1:
		return "NUC"
	case 2:
		return "RT"
	case 3:
		return "IBR"
	case 4:
		return "IBI"
	case 5:
		return "Raw"
	}
	return ""
}

// Start acquisition time of the frame.
func (h HCCHeader) Start() time.Time {
	return time.Unix(int64(h.POSIXTime), int64(h.SubSecondTime)*100).UTC()
}

type hccBackend struct {
	src        io.ReaderAt
	header     HCCHeader
	frameSize  int64
	count      int
	timestamps []int64
	trailer    *attributes.Trailer
	fixInvalid bool

	headerBuf []byte
	buf       []byte
}

func openHCC(src io.ReaderAt, size int64) (*hccBackend, error) {
	trailer, payload, err := readOptionalTrailer(src, size)
	if err != nil {
		return nil, err
	}
	if payload < HCCHeaderSize {
		return nil, fmt.Errorf("%w: hcc file too small", ErrInvalidFile)
	}

	b := &hccBackend{
		src:       src,
		trailer:   trailer,
		headerBuf: make([]byte, HCCHeaderSize),
	}
	if _, err := src.ReadAt(b.headerBuf, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := b.header.Unmarshal(b.headerBuf); err != nil {
		return nil, err
	}
	h := b.header
	if h.ImageHeaderLength > hccMaxHeaderLength || h.ImageHeaderLength < HCCHeaderSize ||
		h.Width == 0 || h.Height == 0 {
		return nil, fmt.Errorf("%w: hcc header %dx%d length %d",
			ErrInvalidFile, h.Width, h.Height, h.ImageHeaderLength)
	}

	b.frameSize = int64(h.ImageHeaderLength) + int64(h.Width)*int64(h.Height)*2
	b.count = int(payload / b.frameSize)
	if b.count == 0 {
		return nil, fmt.Errorf("%w: hcc file without frames", ErrInvalidFile)
	}
	b.buf = make([]byte, int(h.Width)*int(h.Height)*2)

	if trailer != nil && trailer.Len() == b.count {
		b.timestamps = append([]int64{}, trailer.Timestamps...)
	} else {
		b.timestamps = hccTimestamps(b.count, h.AcquisitionFrameRate)
	}
	return b, nil
}

func hccTimestamps(count int, rateMilliHz uint32) []int64 {
	period := 1e9 / float64(DefaultRate)
	if rateMilliHz > 0 {
		period = 1e12 / float64(rateMilliHz)
	}
	times := make([]int64, count)
	for i := range times {
		times[i] = int64(float64(i) * period)
	}
	return times
}

func (b *hccBackend) SetInvalidPixelsFixed(enable bool) {
	b.fixInvalid = enable
}

func (b *hccBackend) Size() int {
	return b.count
}

func (b *hccBackend) ImageSize() (int, int) {
	return int(b.header.Width), int(b.header.Height)
}

func (b *hccBackend) Timestamps() []int64 {
	return b.timestamps
}

func (b *hccBackend) ReadImage(index int, img []uint16) error {
	off := b.frameSize*int64(index) + int64(b.header.ImageHeaderLength)
	if _, err := b.src.ReadAt(b.buf, off); err != nil {
		return fmt.Errorf("read frame %d: %w", index, err)
	}
	decodeSamples(b.buf, img)
	if b.fixInvalid {
		fixInvalidPixels(img, int(b.header.Width), int(b.header.Height))
	}
	return nil
}

// Invalid pixels take the value of the nearest valid
// pixel on the left, right, above or below, in that order.
func fixInvalidPixels(img []uint16, width, height int) {
	valid := func(x, y int) (uint16, bool) {
		v := img[y*width+x]
		return v, v < hccInvalidPixel
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if img[y*width+x] < hccInvalidPixel {
				continue
			}
			img[y*width+x] = nearestValid(x, y, width, height, valid)
		}
	}
}

func nearestValid(x, y, width, height int, valid func(x, y int) (uint16, bool)) uint16 {
	for i := x - 1; i >= 0; i-- {
		if v, ok := valid(i, y); ok {
			return v
		}
	}
	for i := x + 1; i < width; i++ {
		if v, ok := valid(i, y); ok {
			return v
		}
	}
	for j := y - 1; j >= 0; j-- {
		if v, ok := valid(x, j); ok {
			return v
		}
	}
	for j := y + 1; j < height; j++ {
		if v, ok := valid(x, j); ok {
			return v
		}
	}
	return 0
}

func (b *hccBackend) GlobalAttributes() attributes.Map {
	global := b.header.Attributes()
	global["Date"] = b.header.Start().Format(hccDateLayout)
	global["Size"] = strconv.Itoa(b.count)
	for k, v := range globalAttributes(b.trailer) {
		global[k] = v
	}
	return global
}

func (b *hccBackend) FrameAttributes(index int) (attributes.Map, error) {
	if _, err := b.src.ReadAt(b.headerBuf, b.frameSize*int64(index)); err != nil {
		return nil, fmt.Errorf("read header %d: %w", index, err)
	}
	var h HCCHeader
	if err := h.Unmarshal(b.headerBuf); err != nil {
		return nil, err
	}
	attrs := h.Attributes()
	attrs["Type"] = h.Type()
	for k, v := range frameAttributes(b.trailer, index) {
		attrs[k] = v
	}
	return attrs, nil
}

func (b *hccBackend) Close() error {
	return nil
}
