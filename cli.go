// SPDX-License-Identifier: GPL-2.0-or-later

package irvideo

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"irvideo/pkg/attributes"
	"irvideo/pkg/container"
	"irvideo/pkg/handle"
	"irvideo/pkg/ingest"
	"irvideo/pkg/log"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ErrUsage invalid command line.
var ErrUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	usage   string
	flags   func(*pflag.FlagSet)
	run     func(ctx context.Context, app *App, args []string) error
}

type cli struct {
	stdout io.Writer

	// info.
	cached bool

	// compress.
	lossless bool
	params   []string
	camera   string

	// export.
	mode  int
	first int
	count int

	// attrs.
	format string
	frame  int

	// watch.
	settle  time.Duration
	verbose bool

	// logs.
	levels  []string
	sources []string
	videos  []string
	limit   int
	since   time.Duration
}

func (c *cli) commands() []command {
	return []command{
		{
			name:    "info",
			summary: "Print the format, size and frame count of a video",
			usage:   "info [flags] <file>",
			flags: func(f *pflag.FlagSet) {
				f.BoolVar(&c.cached, "cached", false, "read the file through the chunk cache")
			},
			run: c.info,
		},
		{
			name:    "compress",
			summary: "Compress a video into a bounded error container",
			usage:   "compress [flags] <src> <dst>",
			flags: func(f *pflag.FlagSet) {
				f.BoolVar(&c.lossless, "lossless", false, "disable the error bound")
				f.StringArrayVarP(&c.params, "param", "p", nil, "encoder parameter key=value, repeatable")
				f.StringVar(&c.camera, "camera", "", "calibration stored with the frames")
			},
			run: c.compress,
		},
		{
			name:    "export",
			summary: "Write frames as raw little endian 16 bit samples",
			usage:   "export [flags] <file> <out>",
			flags: func(f *pflag.FlagSet) {
				f.IntVar(&c.mode, "mode", 0, "calibration mode, 0 is digital levels")
				f.IntVar(&c.first, "first", 0, "first frame")
				f.IntVar(&c.count, "count", -1, "number of frames, -1 is all")
			},
			run: c.export,
		},
		{
			name:    "attrs",
			summary: "Print global or frame attributes",
			usage:   "attrs [flags] <file>",
			flags: func(f *pflag.FlagSet) {
				f.StringVar(&c.format, "format", "json", "output format: json, yaml or cbor")
				f.IntVar(&c.frame, "frame", -1, "frame index, -1 is the global attributes")
			},
			run: c.attrs,
		},
		{
			name:    "watch",
			summary: "Compress the recordings written to the watch directory",
			usage:   "watch [flags]",
			flags: func(f *pflag.FlagSet) {
				f.DurationVar(&c.settle, "settle", ingest.DefaultSettle, "time without writes before a file is compressed")
				f.BoolVarP(&c.verbose, "verbose", "v", false, "print debug logs")
			},
			run: c.watch,
		},
		{
			name:    "logs",
			summary: "Query the log database",
			usage:   "logs [flags]",
			flags: func(f *pflag.FlagSet) {
				f.StringSliceVar(&c.levels, "level", nil, "levels: error, warning, info, debug")
				f.StringSliceVar(&c.sources, "source", nil, "log sources")
				f.StringSliceVar(&c.videos, "video", nil, "video names or session ids")
				f.IntVar(&c.limit, "limit", 100, "maximum number of logs")
				f.DurationVar(&c.since, "since", 0, "only logs newer than this, 0 is all")
			},
			run: c.logs,
		},
	}
}

// Run runs the command line args, output is written to stdout.
func Run(args []string, stdout io.Writer) error {
	c := &cli{stdout: stdout}
	commands := c.commands()

	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(stdout, commands)
		return nil
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		printUsage(stdout, commands)
		return fmt.Errorf("%w: unknown command %q", ErrUsage, args[0])
	}

	flagSet := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	flagSet.SetOutput(stdout)
	envFlag := flagSet.String("env", "env.yaml", "path to env.yaml")
	cmd.flags(flagSet)
	if err := flagSet.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}

	wg := &sync.WaitGroup{}
	app, err := NewApp(envPath, wg)
	if err != nil {
		return err
	}

	var console io.Writer
	consoleLevel := log.LevelInfo
	if cmd.name == "watch" {
		console = stdout
		if c.verbose {
			consoleLevel = log.LevelDebug
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := app.Start(ctx, console, consoleLevel); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	err = cmd.run(ctx, app, flagSet.Args())
	if err2 := app.Close(); err == nil {
		err = err2
	}
	cancel()
	wg.Wait()
	return err
}

func printUsage(w io.Writer, commands []command) {
	fmt.Fprintln(w, "Usage: irvideo <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-28s %v\n", cmd.usage, cmd.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Every command accepts --env <path to env.yaml>.")
}

func usageError(cmd string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: irvideo %v", ErrUsage, cmd)
	}
	return nil
}

func (c *cli) open(app *App, path string) (handle.Handle, error) {
	if !c.cached {
		return app.Handles.OpenContainer(path)
	}
	reader, err := app.OpenCached(path)
	if err != nil {
		return handle.Handle{}, err
	}
	return app.Handles.AddReader(path, reader), nil
}

func (c *cli) info(_ context.Context, app *App, args []string) error {
	if err := usageError("info <file>", args, 1); err != nil {
		return err
	}
	h, err := c.open(app, args[0])
	if err != nil {
		return err
	}
	reader, err := app.Handles.Reader(h)
	if err != nil {
		return err
	}

	info := reader.Info()
	width, height := reader.ImageSize()
	fmt.Fprintf(c.stdout, "file:       %v\n", args[0])
	fmt.Fprintf(c.stdout, "format:     %v\n", reader.Format())
	if info.Plugin != "" {
		fmt.Fprintf(c.stdout, "plugin:     %v\n", info.Plugin)
	}
	fmt.Fprintf(c.stdout, "size:       %dx%d\n", width, height)
	fmt.Fprintf(c.stdout, "frames:     %d\n", reader.Size())
	if ts := reader.Timestamps(); len(ts) > 0 {
		fmt.Fprintf(c.stdout, "duration:   %v\n", time.Duration(ts[len(ts)-1]-ts[0]))
	}
	fmt.Fprintf(c.stdout, "modes:      %v\n", strings.Join(reader.SupportedModes(), ", "))
	if calibration := reader.Calibration(); calibration != nil {
		fmt.Fprintf(c.stdout, "camera:     %v\n", calibration.Name())
	}
	global := reader.GlobalAttributes()
	if lossy, exist := global[container.AttrLossy]; exist {
		fmt.Fprintf(c.stdout, "lossy:      %v\n", lossy)
		fmt.Fprintf(c.stdout, "codec:      %v\n", global[container.AttrCodec])
	}
	fmt.Fprintf(c.stdout, "attributes: %d\n", len(global))
	return nil
}

func statusError(app *App, h handle.Handle, status handle.Status) error {
	if status == handle.StatusOK {
		return nil
	}
	if err := app.Handles.LastError(h); err != nil {
		return err
	}
	return fmt.Errorf("status %d", status)
}

func (c *cli) compress(ctx context.Context, app *App, args []string) error {
	if err := usageError("compress <src> <dst>", args, 2); err != nil {
		return err
	}
	src, err := app.Handles.OpenContainer(args[0])
	if err != nil {
		return err
	}
	width, height, err := app.Handles.ImageSize(src)
	if err != nil {
		return err
	}
	dst, err := app.Handles.OpenWriter(args[1], width, height)
	if err != nil {
		return err
	}

	for _, param := range c.params {
		key, value, found := strings.Cut(param, "=")
		if !found {
			return fmt.Errorf("%w: parameter %q is not key=value", ErrUsage, param)
		}
		if err := statusError(app, dst, app.Handles.SetParameter(dst, key, value)); err != nil {
			return err
		}
	}
	if c.camera != "" {
		status := app.Handles.SetParameter(src, handle.ParamCalibration, c.camera)
		if err := statusError(app, src, status); err != nil {
			return err
		}
		status = app.Handles.SetParameter(dst, handle.ParamInputCamera, src.String())
		if err := statusError(app, dst, status); err != nil {
			return err
		}
	}

	if err := c.copyFrames(ctx, app, src, dst); err != nil {
		return err
	}
	if err := statusError(app, dst, app.Handles.Close(dst)); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "compressed %v to %v\n", args[0], args[1])
	return nil
}

func (c *cli) copyFrames(ctx context.Context, app *App, src, dst handle.Handle) error {
	reader, err := app.Handles.Reader(src)
	if err != nil {
		return err
	}
	timestamps, err := app.Handles.Timestamps(src)
	if err != nil {
		return err
	}

	var img []uint16
	for i := range timestamps {
		if err := ctx.Err(); err != nil {
			return err
		}
		var size int
		status := app.Handles.ReadFrame(src, i, 0, img, &size)
		if status == handle.StatusBufferTooSmall {
			img = make([]uint16, size)
			status = app.Handles.ReadFrame(src, i, 0, img, &size)
		}
		if err := statusError(app, src, status); err != nil {
			return fmt.Errorf("read frame %d: %w", i, err)
		}

		attrs, err := reader.FrameAttributes(i)
		if err != nil {
			return err
		}
		if c.lossless {
			status = app.Handles.AddFrameLossless(dst, img, timestamps[i], attrs, false)
		} else {
			status = app.Handles.AddFrameLossy(dst, img, timestamps[i], attrs)
		}
		if err := statusError(app, dst, status); err != nil {
			return fmt.Errorf("add frame %d: %w", i, err)
		}
	}
	return nil
}

// Prefetch memory when the available memory is unknown.
const defaultPrefetchBytes = 256 << 20

func (c *cli) export(_ context.Context, app *App, args []string) error {
	if err := usageError("export <file> <out>", args, 2); err != nil {
		return err
	}
	h, err := app.Handles.OpenContainer(args[0])
	if err != nil {
		return err
	}
	reader, err := app.Handles.Reader(h)
	if err != nil {
		return err
	}

	last := reader.Size()
	if c.count >= 0 && c.first+c.count < last {
		last = c.first + c.count
	}
	if c.first < 0 || c.first > last {
		return fmt.Errorf("%w: first frame %d", container.ErrOutOfRange, c.first)
	}

	maxBytes := uint64(defaultPrefetchBytes)
	if available, err := app.System.AvailableMemory(); err == nil {
		maxBytes = available / 4
	}

	out, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer out.Close()

	prefetcher := container.NewPrefetcher(reader, c.mode, maxBytes)
	defer prefetcher.Close()

	width, height := reader.ImageSize()
	img := make([]uint16, width*height)
	w := bufio.NewWriter(out)
	for i := c.first; i < last; i++ {
		if err := prefetcher.Get(i, img); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if err := binary.Write(w, binary.LittleEndian, img); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "exported %d frames of %dx%d to %v\n", last-c.first, width, height, args[1])
	return out.Close()
}

func (c *cli) attrs(_ context.Context, app *App, args []string) error {
	if err := usageError("attrs <file>", args, 1); err != nil {
		return err
	}
	h, err := app.Handles.OpenContainer(args[0])
	if err != nil {
		return err
	}
	reader, err := app.Handles.Reader(h)
	if err != nil {
		return err
	}

	attrs := reader.GlobalAttributes()
	if c.frame >= 0 {
		if attrs, err = reader.FrameAttributes(c.frame); err != nil {
			return err
		}
	}
	return writeAttributes(c.stdout, attrs, c.format)
}

func writeAttributes(w io.Writer, attrs attributes.Map, format string) error {
	if attrs == nil {
		attrs = attributes.Map{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		return enc.Encode(attrs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(map[string]string(attrs)); err != nil {
			return err
		}
		return enc.Close()
	case "cbor":
		mode, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			return err
		}
		raw, err := mode.Marshal(map[string]string(attrs))
		if err != nil {
			return err
		}
		_, err = w.Write(raw)
		return err
	}
	return fmt.Errorf("%w: unknown format %q", ErrUsage, format)
}

func (c *cli) watch(ctx context.Context, app *App, args []string) error {
	if err := usageError("watch", args, 0); err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app.Logger.Info().Src("app").Msgf("compressing %v to %v", app.Env.WatchDir, app.Env.VideosDir())
	err := app.Watch(ctx, c.settle)
	app.Logger.Info().Src("app").Msg("stopped")
	return err
}

func (c *cli) logs(_ context.Context, app *App, args []string) error {
	if err := usageError("logs", args, 0); err != nil {
		return err
	}
	q := log.Query{
		Sources: c.sources,
		Videos:  c.videos,
		Limit:   c.limit,
	}
	if c.since > 0 {
		q.After = log.UnixMicro(time.Now().Add(-c.since).UnixMicro())
	}
	for _, name := range c.levels {
		level, err := log.ParseLevel(name)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUsage, err)
		}
		q.Levels = append(q.Levels, level)
	}

	logs, err := app.QueryLogs(q)
	if err != nil {
		return err
	}
	for _, l := range logs {
		t := time.UnixMicro(int64(l.Time)).UTC().Format(time.RFC3339)
		fmt.Fprintf(c.stdout, "%v %v\n", t, log.FormatLog(l))
	}
	return nil
}
