package report

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink consumes events off the data path. Write may block; it runs on the
// fan-out goroutine, never on the node loop.
type Sink interface {
	Write(Event) error
}

// Fanout pumps events from one channel into several sinks.
type Fanout struct {
	in    <-chan Event
	log   logrus.FieldLogger
	mu    sync.RWMutex
	sinks []Sink
}

func NewFanout(in <-chan Event, log logrus.FieldLogger, sinks ...Sink) *Fanout {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Fanout{in: in, log: log.WithField("component", "report"), sinks: sinks}
}

// Add attaches another sink.
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

// Run delivers events until ctx is done or the input channel is closed.
func (f *Fanout) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-f.in:
			if !ok {
				return
			}
			f.dispatch(e)
		}
	}
}

func (f *Fanout) dispatch(e Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		if err := s.Write(e); err != nil {
			f.log.WithError(err).Warnf("Sink rejected %s event", e.Kind)
		}
	}
}

// LogSink writes every event to a logger.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Write(e Event) error {
	entry := s.Log.WithFields(logrus.Fields{
		"node": e.Node,
		"kind": e.Kind,
	})
	if e.Session != 0 {
		entry = entry.WithField("session", e.Session)
	}
	if e.Error != "" {
		entry = entry.WithField("error", e.Error)
	}
	entry.Info("Event")
	return nil
}
