package driver

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/benaskins/watchmin/internal/logbuf"
	"github.com/fsnotify/fsnotify"
)

// outputChannel is a file an attached process writes to.
type outputChannel struct {
	Path   string
	Stream logbuf.Stream
}

// tailer follows a growing file from its current end, appending each new
// line to the ring. Writes wake it through fsnotify; the poll interval covers
// filesystems that do not deliver events.
type tailer struct {
	ch     outputChannel
	out    *logbuf.Ring
	poll   time.Duration
	logger *slog.Logger

	file   *os.File
	offset int64
}

func openTailer(ch outputChannel, out *logbuf.Ring, poll time.Duration, logger *slog.Logger) (*tailer, error) {
	f, err := os.Open(ch.Path)
	if err != nil {
		return nil, err
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &tailer{ch: ch, out: out, poll: poll, logger: logger, file: f, offset: offset}, nil
}

// run follows the file until stop is closed, then reads whatever is left.
func (t *tailer) run(stop <-chan struct{}) error {
	defer t.file.Close()

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(t.ch.Path); err == nil {
			events = watcher.Events
		} else {
			t.logger.Debug("fsnotify unavailable for log file, polling", "path", t.ch.Path, "error", err)
		}
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	w := t.out.Writer(t.ch.Stream)
	buf := make([]byte, 32*1024)

	for {
		if err := t.drain(w, buf); err != nil {
			return &ReadError{Stream: t.ch.Stream, Err: err}
		}

		select {
		case <-stop:
			if err := t.drain(w, buf); err != nil {
				return &ReadError{Stream: t.ch.Stream, Err: err}
			}
			return nil
		case <-events:
		case <-ticker.C:
		}
	}
}

// drain reads until EOF, restarting from the top if the file was truncated.
func (t *tailer) drain(w io.Writer, buf []byte) error {
	for {
		n, err := t.file.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			t.offset += int64(n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return err
			}
			break
		}
	}

	if fi, err := t.file.Stat(); err == nil && fi.Size() < t.offset {
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		t.offset = 0
	}
	return nil
}
