package logbuf

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

// Stream identifies where a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	// System lines are written by watchmin itself (exit notices, health failures).
	System Stream = "system"
)

// Record is a single captured line.
type Record struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Stream Stream    `json:"stream"`
	Line   string    `json:"line"`
}

// Ring is a thread-safe ring buffer that stores the last N records of output.
// Every appended record gets a sequence number one greater than the previous,
// so readers can track how far they have scanned even after eviction.
type Ring struct {
	mu      sync.Mutex
	records []Record
	size    int
	pos     int
	full    bool
	seq     uint64
	notify  chan struct{}
	now     func() time.Time
	observe []func(Record)
}

// New creates a ring buffer that stores the last n records.
func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{
		records: make([]Record, n),
		size:    n,
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Append stores a line, evicting the oldest record when full. It never blocks
// on readers.
func (r *Ring) Append(stream Stream, line string) Record {
	r.mu.Lock()
	rec := r.addLocked(stream, line)
	r.mu.Unlock()

	r.signal()
	return rec
}

func (r *Ring) addLocked(stream Stream, line string) Record {
	r.seq++
	rec := Record{Seq: r.seq, Time: r.now(), Stream: stream, Line: line}
	r.records[r.pos] = rec
	for _, fn := range r.observe {
		fn(rec)
	}
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
	return rec
}

// Observe registers fn to be called with every record as it is appended, in
// Seq order and before any later record can evict it. fn runs with the ring
// locked and must not call back into the ring.
func (r *Ring) Observe(fn func(Record)) {
	r.mu.Lock()
	r.observe = append(r.observe, fn)
	r.mu.Unlock()
}

func (r *Ring) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
		// a wakeup is already pending
	}
}

// Notify returns a channel that receives a value after one or more appends.
// Wakeups coalesce; consumers must re-read the buffer after each one.
func (r *Ring) Notify() <-chan struct{} {
	return r.notify
}

// Writer returns an io.Writer that splits its input on newlines and appends
// each complete line tagged with stream. Every writer keeps its own partial
// line, so concurrent writers never splice into each other.
func (r *Ring) Writer(stream Stream) io.Writer {
	return &streamWriter{ring: r, stream: stream}
}

type streamWriter struct {
	ring   *Ring
	stream Stream
	// partial holds an incomplete line (no trailing newline yet)
	partial bytes.Buffer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	r := w.ring
	r.mu.Lock()

	buf := &w.partial
	buf.Write(p)

	added := false
	for {
		line, err := buf.ReadString('\n')
		if err != nil {
			// No more complete lines, put the partial back
			buf.Reset()
			buf.WriteString(line)
			break
		}
		r.addLocked(w.stream, strings.TrimRight(line, "\r\n"))
		added = true
	}
	r.mu.Unlock()

	if added {
		r.signal()
	}
	return len(p), nil
}

// Snapshot returns a copy of all stored records, oldest first.
func (r *Ring) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Ring) snapshotLocked() []Record {
	if !r.full {
		result := make([]Record, r.pos)
		copy(result, r.records[:r.pos])
		return result
	}

	result := make([]Record, r.size)
	copy(result, r.records[r.pos:])
	copy(result[r.size-r.pos:], r.records[:r.pos])
	return result
}

// Since returns the stored records with a sequence number greater than seq.
func (r *Ring) Since(seq uint64) []Record {
	all := r.Snapshot()
	for i, rec := range all {
		if rec.Seq > seq {
			return all[i:]
		}
	}
	return nil
}

// Seq returns the sequence number of the most recently appended record.
func (r *Ring) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Len returns the number of stored records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.size
	}
	return r.pos
}

// Cap returns the buffer capacity.
func (r *Ring) Cap() int {
	return r.size
}

// Lines returns all stored lines in order, oldest first.
func (r *Ring) Lines() []string {
	snap := r.Snapshot()
	lines := make([]string, len(snap))
	for i, rec := range snap {
		lines[i] = rec.Line
	}
	return lines
}

// Last returns the last n lines. If fewer lines exist, returns all of them.
func (r *Ring) Last(n int) []string {
	all := r.Lines()
	if n < 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Reader returns an io.Reader over the current buffer contents.
func (r *Ring) Reader() io.Reader {
	return strings.NewReader(strings.Join(r.Lines(), "\n"))
}
