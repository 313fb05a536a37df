// Package signpost carries named timing intervals from the pipeline to an
// observability backend. Every sink is optional; Nop is the default.
package signpost

import (
	"sync"
	"time"

	"github.com/samcharles93/chunkllm/internal/logger"
)

// Interval names emitted by the pipeline.
const (
	LoadWarm     = "load.warm"
	LoadFull     = "load.full"
	Step         = "step"
	StagePredict = "stage.predict"
	CacheWait    = "cache.wait"
	CacheUpdate  = "cache.update"
	LogitsArgmax = "logits.argmax"
)

// Sink receives interval start events. args are slog style key/value pairs.
type Sink interface {
	Begin(name string, args ...any) Interval
}

// Interval is closed exactly once with End.
type Interval interface {
	End()
}

type nopSink struct{}

type nopInterval struct{}

func (nopInterval) End() {}

func (nopSink) Begin(string, ...any) Interval { return nopInterval{} }

// Nop returns a sink that records nothing.
func Nop() Sink { return nopSink{} }

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop()
	}
	return s
}

type logSink struct {
	log logger.Logger
}

type logInterval struct {
	log   logger.Logger
	name  string
	args  []any
	start time.Time
}

// Log writes one debug record per completed interval.
func Log(log logger.Logger) Sink {
	return logSink{log: log}
}

func (s logSink) Begin(name string, args ...any) Interval {
	return &logInterval{log: s.log, name: name, args: args, start: time.Now()}
}

func (i *logInterval) End() {
	args := append(i.args[:len(i.args):len(i.args)], "elapsed", time.Since(i.start))
	i.log.Debug(i.name, args...)
}

type multiSink []Sink

type multiInterval []Interval

// Multi fans every interval out to all sinks.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Begin(name string, args ...any) Interval {
	out := make(multiInterval, len(m))
	for i, s := range m {
		out[i] = s.Begin(name, args...)
	}
	return out
}

func (m multiInterval) End() {
	for _, i := range m {
		i.End()
	}
}

// Record is one completed interval captured by a Recorder.
type Record struct {
	Name  string
	Args  []any
	Start time.Time
	End   time.Time
}

func (r Record) Duration() time.Duration { return r.End.Sub(r.Start) }

// Recorder keeps every completed interval in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

type recorderInterval struct {
	r   *Recorder
	rec Record
}

func (r *Recorder) Begin(name string, args ...any) Interval {
	return &recorderInterval{r: r, rec: Record{Name: name, Args: args, Start: time.Now()}}
}

func (i *recorderInterval) End() {
	i.rec.End = time.Now()
	i.r.mu.Lock()
	i.r.records = append(i.r.records, i.rec)
	i.r.mu.Unlock()
}

// Records returns a copy of the completed intervals in completion order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Count returns how many intervals named name have completed.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Name == name {
			n++
		}
	}
	return n
}
