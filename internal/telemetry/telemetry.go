// Package telemetry is the ambient logging surface (SPEC_FULL.md §10.2).
//
// The teacher repository never imports a logging library anywhere in its
// dependency graph; its idiom is structured error returns plus, where a
// caller-visible side channel is genuinely needed, a plain io.Writer. Sink
// follows that idiom rather than introducing one.
package telemetry

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Sink receives structured events from the scheduler, writer jobs, and
// merge planner (spec §7 "log info" / "log error" policy points).
type Sink interface {
	Event(kind string, fields map[string]any)
}

// Discard is a Sink that drops every event; the zero value of Scheduler
// and friends should default to this so telemetry is opt-in.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Event(string, map[string]any) {}

// LineSink writes one line per event to w, in "<UTC RFC3339Nano time> kind
// key=value key=value" form. It is safe for concurrent use by multiple writer/io-worker
// goroutines, matching the teacher's predecessor io.Writer warning sink.
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineSink returns a Sink that writes to w.
func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

func (s *LineSink) Event(kind string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "%s %s", time.Now().UTC().Format(time.RFC3339Nano), kind)
	for k, v := range fields {
		fmt.Fprintf(s.w, " %s=%v", k, v)
	}
	fmt.Fprintln(s.w)
}
