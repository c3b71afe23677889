// SPDX-License-Identifier: GPL-2.0-or-later

package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level log severity, lower is more severe.
type Level uint8

// Log levels, same values as ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

var levelNames = map[Level]string{
	LevelError:   "error",
	LevelWarning: "warning",
	LevelInfo:    "info",
	LevelDebug:   "debug",
}

func (l Level) String() string {
	if name, exist := levelNames[l]; exist {
		return name
	}
	return strconv.Itoa(int(l))
}

// ErrUnknownLevel .
var ErrUnknownLevel = errors.New("unknown level")

// ParseLevel parses a level name, case insensitive.
func ParseLevel(name string) (Level, error) {
	for level, n := range levelNames {
		if strings.EqualFold(name, n) {
			return level, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
}

// UnixMicro microseconds since the unix epoch.
type UnixMicro uint64

// Event is a log entry under construction.
type Event struct {
	level Level
	time  UnixMicro
	src   string
	video string

	logger *Logger
}

// Log entry. Stored as CBOR with integer keys.
type Log struct {
	Level Level     `cbor:"1,keyasint"`
	Time  UnixMicro `cbor:"2,keyasint"`
	Msg   string    `cbor:"3,keyasint"`
	Src   string    `cbor:"4,keyasint"`
	Video string    `cbor:"5,keyasint,omitempty"` // Video path or session id.
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.src = source
	return e
}

// Video sets event video.
func (e *Event) Video(video string) *Event {
	e.video = video
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.time = UnixMicro(t.UnixMicro())
	return e
}

// Msg sends the *Event with msg added as the message field.
func (e *Event) Msg(msg string) {
	if e.logger == nil {
		return
	}
	e.logger.send(Log{
		Time:  e.time,
		Level: e.level,
		Msg:   msg,
		Src:   e.src,
		Video: e.video,
	})
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

// Matches every level.
const levelAll Level = 255

type subscription struct {
	feed     chan Log
	maxLevel Level
}

// Logger fans log events out to its subscribers.
type Logger struct {
	in    chan Log
	sub   chan subscription
	unsub chan chan Log
	done  chan struct{}

	sources []string
	wg      *sync.WaitGroup
}

// NewLogger returns a logger, Start must be called before use.
func NewLogger(wg *sync.WaitGroup, sources []string) *Logger {
	return &Logger{
		in:    make(chan Log),
		sub:   make(chan subscription),
		unsub: make(chan chan Log),
		done:  make(chan struct{}),

		sources: sources,
		wg:      wg,
	}
}

// NewMockLogger returns a started logger without subscribers, used for testing.
func NewMockLogger() *Logger {
	l := NewLogger(&sync.WaitGroup{}, nil)
	l.Start(context.Background())
	return l
}

// Start delivers logs until ctx is canceled. Logs sent
// after that are dropped.
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		subs := map[chan Log]Level{}
		for {
			select {
			case <-ctx.Done():
				close(l.done)
				return

			case s := <-l.sub:
				subs[s.feed] = s.maxLevel

			case feed := <-l.unsub:
				close(feed)
				delete(subs, feed)

			case log := <-l.in:
				for feed, maxLevel := range subs {
					if log.Level <= maxLevel {
						feed <- log
					}
				}
			}
		}
	}()
}

func (l *Logger) send(log Log) {
	select {
	case l.in <- log:
	case <-l.done:
	}
}

// Sources returns the known log sources.
func (l *Logger) Sources() []string {
	return l.sources
}

// CancelFunc cancels a subscription.
type CancelFunc func()

// Subscribe returns a feed of every log. The feed is closed
// by cancel or when the logger stops.
func (l *Logger) Subscribe() (<-chan Log, CancelFunc) {
	return l.SubscribeLevel(levelAll)
}

// SubscribeLevel returns a feed of the logs at maxLevel or
// more severe.
func (l *Logger) SubscribeLevel(maxLevel Level) (<-chan Log, CancelFunc) {
	feed := make(chan Log)
	select {
	case l.sub <- subscription{feed: feed, maxLevel: maxLevel}:
	case <-l.done:
		close(feed)
		return feed, func() {}
	}
	return feed, func() { l.unsubscribe(feed) }
}

func (l *Logger) unsubscribe(feed chan Log) {
	// Drain the feed until the request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-feed:
		case <-l.done:
			return
		}
	}
}

// LogTo writes formatted logs at maxLevel or more severe
// to w until ctx is canceled.
func (l *Logger) LogTo(ctx context.Context, w io.Writer, maxLevel Level) {
	feed, cancel := l.SubscribeLevel(maxLevel)
	defer cancel()
	for {
		select {
		case log, ok := <-feed:
			if !ok {
				return
			}
			fmt.Fprintln(w, FormatLog(log))
		case <-ctx.Done():
			return
		}
	}
}

// FormatLog formats a log as "[LEVEL] video: Source: msg".
func FormatLog(log Log) string {
	var b strings.Builder
	if _, exist := levelNames[log.Level]; exist {
		b.WriteString("[" + strings.ToUpper(log.Level.String()) + "] ")
	}
	if log.Video != "" {
		b.WriteString(log.Video + ": ")
	}
	if log.Src != "" {
		b.WriteString(strings.ToUpper(log.Src[:1]) + log.Src[1:] + ": ")
	}
	b.WriteString(log.Msg)
	return b.String()
}

func (l *Logger) newEvent(level Level) *Event {
	return &Event{
		level:  level,
		time:   UnixMicro(time.Now().UnixMicro()),
		logger: l,
	}
}

// Error starts a new message with error level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Error() *Event {
	return l.newEvent(LevelError)
}

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *Event {
	return l.newEvent(LevelWarning)
}

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *Event {
	return l.newEvent(LevelInfo)
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *Event {
	return l.newEvent(LevelDebug)
}
