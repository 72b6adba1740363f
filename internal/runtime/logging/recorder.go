package logging

import "sync"

// Entry is a single record captured by a Recorder.
type Entry struct {
	Level  string
	Msg    string
	Fields LogFields
	Err    error
}

// Recorder is a ServiceLogger that keeps every record in memory. Children
// created through With share the parent's sink.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  LogFields
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (r *Recorder) With(fields LogFields) ServiceLogger {
	return &Recorder{mu: r.mu, entries: r.entries, fields: mergeFields(r.fields, fields)}
}

func (r *Recorder) Debug(msg string, fields LogFields) { r.record("debug", msg, nil, fields) }

func (r *Recorder) Info(msg string, fields LogFields) { r.record("info", msg, nil, fields) }

func (r *Recorder) Error(msg string, err error, fields LogFields) {
	r.record("error", msg, err, fields)
}

func (r *Recorder) Trace(msg string, fields LogFields) { r.record("trace", msg, nil, fields) }

// Entries returns a snapshot of the captured records.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Messages returns the captured messages for the given level.
func (r *Recorder) Messages(level string) []string {
	var out []string
	for _, e := range r.Entries() {
		if e.Level == level {
			out = append(out, e.Msg)
		}
	}
	return out
}

func (r *Recorder) record(level, msg string, err error, fields LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, Entry{
		Level:  level,
		Msg:    msg,
		Fields: mergeFields(r.fields, fields),
		Err:    err,
	})
}

func mergeFields(base, extra LogFields) LogFields {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(LogFields, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
