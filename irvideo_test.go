// SPDX-License-Identifier: GPL-2.0-or-later

package irvideo

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"irvideo/pkg/container"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testWidth, testHeight = 8, 8

func testFrames(n int) [][]uint16 {
	frames := make([][]uint16, n)
	for f := range frames {
		frames[f] = make([]uint16, testWidth*testHeight)
		for i := range frames[f] {
			frames[f][i] = uint16(1000 - 10*f + i)
		}
	}
	return frames
}

// Returns the env path and a PCR recording in the same directory.
func newTestEnv(t *testing.T, frames [][]uint16) (string, string) {
	t.Helper()
	dir := t.TempDir()

	envPath := filepath.Join(dir, "env.yaml")
	require.NoError(t, os.WriteFile(envPath, []byte("threads: 2\n"), 0o600))

	calibrationDir := filepath.Join(dir, "calibrations")
	require.NoError(t, os.Mkdir(calibrationDir, 0o700))
	calibration := []byte("name: cam\ntype: linear\ngain: 2\n")
	require.NoError(t, os.WriteFile(filepath.Join(calibrationDir, "cam.yaml"), calibration, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(calibrationDir, "notes.txt"), []byte("x"), 0o600))

	buf := bytes.NewBuffer(container.PCRHeader{
		X:             testWidth,
		Y:             testHeight,
		Bits:          16,
		Frequency:     50,
		TransfertSize: testWidth * testHeight * 2,
	}.Marshal())
	for _, f := range frames {
		require.NoError(t, binary.Write(buf, binary.LittleEndian, f))
	}
	recording := filepath.Join(dir, "recording.pcr")
	require.NoError(t, os.WriteFile(recording, buf.Bytes(), 0o600))

	return envPath, recording
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout bytes.Buffer
	err := Run(args, &stdout)
	return stdout.String(), err
}

func TestNewApp(t *testing.T) {
	envPath, _ := newTestEnv(t, nil)
	app, err := NewApp(envPath, &sync.WaitGroup{})
	require.NoError(t, err)

	require.Equal(t, 2, app.Env.Threads)
	require.Equal(t, []string{"cam"}, app.Registry.Calibrations().Names())
	require.Equal(t, filepath.Join(filepath.Dir(envPath), "storage"), app.Env.StorageDir)

	t.Run("missingEnv", func(t *testing.T) {
		_, err := NewApp(filepath.Join(t.TempDir(), "env.yaml"), &sync.WaitGroup{})
		require.NoError(t, err)
	})
	t.Run("badCalibration", func(t *testing.T) {
		dir := filepath.Dir(envPath)
		bad := filepath.Join(dir, "calibrations", "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("name: bad\ntype: linear\n"), 0o600))
		_, err := NewApp(envPath, &sync.WaitGroup{})
		require.Error(t, err)
	})
}

func TestRunInfo(t *testing.T) {
	envPath, recording := newTestEnv(t, testFrames(3))

	for _, cached := range []bool{false, true} {
		args := []string{"info", "--env", envPath, recording}
		if cached {
			args = append(args, "--cached")
		}
		out, err := run(t, args...)
		require.NoError(t, err)
		require.Contains(t, out, "format:     PCR\n")
		require.Contains(t, out, "size:       8x8\n")
		require.Contains(t, out, "frames:     3\n")
		require.Contains(t, out, "duration:   40ms\n")
	}
}

func TestRunCompress(t *testing.T) {
	frames := testFrames(4)
	envPath, recording := newTestEnv(t, frames)
	dst := filepath.Join(filepath.Dir(envPath), "out.h264")

	out, err := run(t, "compress", "--env", envPath, "--lossless", "-p", "codec=lz4", recording, dst)
	require.NoError(t, err)
	require.Contains(t, out, "compressed")

	app, err := NewApp(envPath, &sync.WaitGroup{})
	require.NoError(t, err)
	r, err := app.Registry.Open(dst)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, "lz4", r.GlobalAttributes()[container.AttrCodec])
	require.Equal(t, []int64{0, 20e6, 40e6, 60e6}, r.Timestamps())
	img := make([]uint16, testWidth*testHeight)
	for i, f := range frames {
		require.NoError(t, r.ReadImage(i, 0, img))
		require.Equal(t, f, img)
	}
}

func TestRunCompressCamera(t *testing.T) {
	envPath, recording := newTestEnv(t, testFrames(3))
	dst := filepath.Join(filepath.Dir(envPath), "camera.h264")

	_, err := run(t, "compress", "--env", envPath, "--camera", "cam", recording, dst)
	require.NoError(t, err)

	out, err := run(t, "info", "--env", envPath, dst)
	require.NoError(t, err)
	require.Contains(t, out, "format:     H264_CONTAINER\n")
	require.Contains(t, out, "camera:     cam\n")
	require.Contains(t, out, "lossy:      1\n")
	require.Contains(t, out, "modes:      Digital Level, Temperature\n")

	_, err = run(t, "compress", "--env", envPath, "--camera", "missing", recording, dst)
	require.Error(t, err)
}

func TestRunExport(t *testing.T) {
	frames := testFrames(4)
	envPath, recording := newTestEnv(t, frames)
	dst := filepath.Join(filepath.Dir(envPath), "out.raw")

	_, err := run(t, "export", "--env", envPath, "--first", "1", "--count", "2", recording, dst)
	require.NoError(t, err)

	raw, err := os.ReadFile(dst)
	require.NoError(t, err)
	var expected bytes.Buffer
	for _, f := range frames[1:3] {
		require.NoError(t, binary.Write(&expected, binary.LittleEndian, f))
	}
	require.Equal(t, expected.Bytes(), raw)

	_, err = run(t, "export", "--env", envPath, "--first", "9", recording, dst)
	require.ErrorIs(t, err, container.ErrOutOfRange)
}

func TestRunAttrs(t *testing.T) {
	envPath, recording := newTestEnv(t, testFrames(2))

	cases := []struct {
		format    string
		unmarshal func([]byte, any) error
	}{
		{"json", json.Unmarshal},
		{"yaml", yaml.Unmarshal},
		{"cbor", cbor.Unmarshal},
	}
	for _, tc := range cases {
		t.Run(tc.format, func(t *testing.T) {
			out, err := run(t, "attrs", "--env", envPath, "--format", tc.format, recording)
			require.NoError(t, err)

			var attrs map[string]string
			require.NoError(t, tc.unmarshal([]byte(out), &attrs))
			require.Equal(t, "50", attrs["Frequency"])
		})
	}

	_, err := run(t, "attrs", "--env", envPath, "--format", "xml", recording)
	require.ErrorIs(t, err, ErrUsage)
	_, err = run(t, "attrs", "--env", envPath, "--frame", "5", recording)
	require.ErrorIs(t, err, container.ErrOutOfRange)
}

func TestRunLogs(t *testing.T) {
	envPath, recording := newTestEnv(t, testFrames(2))

	_, err := run(t, "info", "--env", envPath, recording)
	require.NoError(t, err)

	out, err := run(t, "logs", "--env", envPath, "--source", "handle", "--level", "info")
	require.NoError(t, err)
	require.Contains(t, out, "opened "+recording)

	out, err = run(t, "logs", "--env", envPath, "--since", "1h", "--level", "INFO")
	require.NoError(t, err)
	require.Contains(t, out, "opened "+recording)

	_, err = run(t, "logs", "--env", envPath, "--level", "loud")
	require.ErrorIs(t, err, ErrUsage)
}

func TestRunUsage(t *testing.T) {
	out, err := run(t)
	require.NoError(t, err)
	require.Contains(t, out, "Usage: irvideo")

	envPath, recording := newTestEnv(t, testFrames(1))
	dst := filepath.Join(t.TempDir(), "out.h264")
	cases := []struct {
		name string
		args []string
	}{
		{"unknown", []string{"nope"}},
		{"flag", []string{"info", "--env", envPath, "--nope"}},
		{"args", []string{"compress", "--env", envPath, recording}},
		{"param", []string{"compress", "--env", envPath, "-p", "x", recording, dst}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run(t, tc.args...)
			require.ErrorIs(t, err, ErrUsage)
		})
	}
}
