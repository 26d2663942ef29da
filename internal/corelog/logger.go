package corelog

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// corelogger is adapted from minimega's pkg/minilog.minilogger: a level
// gate plus a caller-file:line prologue, fanned out to a standard *log.Logger
// writing to stderr and to a bounded in-memory Ring for later inspection.
type corelogger struct {
	mu    sync.Mutex
	level Level
	color bool

	out  *log.Logger
	ring *Ring
}

func (l *corelogger) setLevel(lv Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = lv
}

func (l *corelogger) setColor(c bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.color = c
}

func (l *corelogger) willLog(lv Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lv >= l.level
}

func (l *corelogger) prologue(level Level) string {
	var msg string
	_, file, line, _ := runtime.Caller(3)
	short := file
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			short = file[i+1:]
			break
		}
	}
	msg = level.String() + " " + short + ":" + strconv.Itoa(line) + ": "

	if l.color {
		var c string
		switch level {
		case DEBUG:
			c = colorDebug
		case INFO:
			c = colorInfo
		case WARN:
			c = colorWarn
		case ERROR:
			c = colorError
		default:
			c = colorFatal
		}
		msg = colorLine + msg + c
	}
	return msg
}

func (l *corelogger) epilogue() string {
	if l.color {
		return colorReset
	}
	return ""
}

func (l *corelogger) writer() *log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		l.out = log.New(os.Stderr, "", 0)
	}
	return l.out
}

func (l *corelogger) log(level Level, format string, arg ...interface{}) {
	if !l.willLog(level) {
		return
	}
	msg := l.prologue(level) + fmt.Sprintf(format, arg...) + l.epilogue()
	l.ring.Println(msg)
	l.writer().Println(msg)
}

func (l *corelogger) logln(level Level, arg ...interface{}) {
	if !l.willLog(level) {
		return
	}
	msg := l.prologue(level) + strings.TrimSuffix(fmt.Sprintln(arg...), "\n") + l.epilogue()
	l.ring.Println(msg)
	l.writer().Println(msg)
}
