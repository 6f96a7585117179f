package raft

import log "github.com/sirupsen/logrus"

// Tracer is the injected debug-trace capability referenced in spec.md §9:
// the source's file-scope fprintf(stderr, ...) threaded through the replica,
// modeled here as a capability instead of a process-wide singleton.
type Tracer interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NopTracer discards everything; it is the default when a host does not
// care to observe replica internals.
type NopTracer struct{}

func (NopTracer) Debugf(string, ...interface{}) {}
func (NopTracer) Infof(string, ...interface{})  {}
func (NopTracer) Warnf(string, ...interface{})  {}
func (NopTracer) Errorf(string, ...interface{}) {}

// logrusTracer is the default non-silent tracer. The core logs role and
// term transitions at Infof and failures at Warnf/Errorf; it makes no
// Debugf calls.
type logrusTracer struct {
	entry *log.Entry
}

// NewLogrusTracer builds a Tracer backed by logrus, tagged with the given
// replica id so multi-replica test harnesses can tell traces apart.
func NewLogrusTracer(id uint64) Tracer {
	return &logrusTracer{entry: log.WithField("replica", id)}
}

func (t *logrusTracer) Debugf(format string, args ...interface{}) { t.entry.Debugf(format, args...) }
func (t *logrusTracer) Infof(format string, args ...interface{})  { t.entry.Infof(format, args...) }
func (t *logrusTracer) Warnf(format string, args ...interface{})  { t.entry.Warnf(format, args...) }
func (t *logrusTracer) Errorf(format string, args ...interface{}) { t.entry.Errorf(format, args...) }
