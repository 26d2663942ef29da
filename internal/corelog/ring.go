package corelog

import (
	"container/ring"
	"strconv"
	"sync"
	"time"
)

// Ring is a bounded, timestamped log history. Adapted directly from the
// teacher's pkg/minilog.Ring. It holds formatted log lines only; the
// per-peer recovery trace (SPEC_FULL §4) is kept by internal/recov's own
// traceRing, which follows the same container/ring pattern.
type Ring struct {
	size int

	mu sync.Mutex
	r  *ring.Ring
}

func NewRing(size int) *Ring {
	return &Ring{
		r:    ring.New(size),
		size: size,
	}
}

// Println mimics log.Logger.Output, prepending a timestamp.
func (l *Ring) Println(v ...interface{}) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var buf []byte

	year, month, day := now.Date()
	buf = strconv.AppendInt(buf, int64(year), 10)
	buf = append(buf, '/')
	buf = strconv.AppendInt(buf, int64(month), 10)
	buf = append(buf, '/')
	buf = strconv.AppendInt(buf, int64(day), 10)
	buf = append(buf, ' ')

	hour, min, sec := now.Clock()
	buf = strconv.AppendInt(buf, int64(hour), 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(min), 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(sec), 10)
	buf = append(buf, ' ')

	for i, s := range v {
		if i > 0 {
			buf = append(buf, ' ')
		}
		if str, ok := s.(string); ok {
			buf = append(buf, str...)
		} else {
			buf = append(buf, []byte(toString(s))...)
		}
	}

	l.r = l.r.Next()
	l.r.Value = string(buf)
}

func toString(v interface{}) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return ""
}

// Dump returns the log messages from oldest to newest.
func (l *Ring) Dump() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make([]string, 0, l.size)

	l.r.Next().Do(func(v interface{}) {
		if v == nil {
			return
		}

		res = append(res, v.(string))
	})

	return res
}
