package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02 15:04:05.000"

type Logger struct {
	// Messages above this level are discarded.
	Level

	// Tag used to filter and classify log messages.
	Tag string

	out io.Writer

	// Shared by all derived loggers so lines from different goroutines never
	// interleave.
	mu *sync.Mutex
}

// Writes to stderr by default.
var DefaultLogger = &Logger{defaultLevel, "", os.Stderr, new(sync.Mutex)}

// WithTag derives a logger for the given tag, with its level looked up from
// the environment.
func (log *Logger) WithTag(tag string) *Logger {
	return &Logger{determineLevel(tag, log.Level), tag, log.out, log.mu}
}

// Enabled reports whether messages at the given level would be written.
func (log *Logger) Enabled(level Level) bool {
	return level <= log.Level
}

var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 256)
		return &b
	},
}

// Log a message at the given level, annotated with the file and line number
// 'calldepth' frames up the stack. Write failures fall back to stderr.
func (log *Logger) Log(level Level, calldepth int, format string, a ...interface{}) {
	if !log.Enabled(level) {
		return
	}

	_, file, line, ok := runtime.Caller(calldepth + 1)
	if !ok {
		file = "?"
	}

	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)

	buf := time.Now().AppendFormat((*bp)[:0], timestampFormat)
	buf = append(buf, ' ')
	buf = append(buf, level.color().Sprintf("%c/%s[%s:%d]", level.letter(), log.Tag, filepath.Base(file), line)...)
	buf = append(buf, ' ')
	buf = fmt.Appendf(buf, format, a...)
	if n := len(buf); buf[n-1] != '\n' {
		buf = append(buf, '\n')
	}
	*bp = buf

	log.mu.Lock()
	defer log.mu.Unlock()
	if _, err := log.out.Write(buf); err != nil && log.out != os.Stderr {
		os.Stderr.Write(buf)
	}
}

func (log *Logger) Error(format string, a ...interface{}) {
	log.Log(Error, 1, format, a...)
}

func (log *Logger) Warn(format string, a ...interface{}) {
	log.Log(Warn, 1, format, a...)
}

func (log *Logger) Info(format string, a ...interface{}) {
	log.Log(Info, 1, format, a...)
}

func (log *Logger) Debug(format string, a ...interface{}) {
	log.Log(Debug, 1, format, a...)
}

func (log *Logger) Trace(n int, format string, a ...interface{}) {
	log.Log(Level(n), 1, format, a...)
}
