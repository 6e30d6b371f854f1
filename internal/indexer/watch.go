package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cass-search/cass/internal/transcript"
)

// debouncer batches change notifications. The first event of a burst
// arms both a debounce timer and a max-wait deadline; every further
// event resets only the debounce timer. A flush fires when either timer
// expires, so rapid successive edits coalesce while flush latency never
// exceeds the max wait.
type debouncer struct {
	debounce time.Duration
	maxWait  time.Duration
	events   chan string
	overflow atomic.Bool
	flush    func(paths []string, rescan bool)
}

func newDebouncer(debounce, maxWait time.Duration, flush func([]string, bool)) *debouncer {
	return &debouncer{
		debounce: debounce,
		maxWait:  maxWait,
		events:   make(chan string, 64),
		flush:    flush,
	}
}

// notify queues one changed path. Safe from any goroutine.
func (d *debouncer) notify(path string) {
	select {
	case d.events <- path:
	default:
		// Channel full: the path is lost, so the next flush has to
		// rescan by mtime instead of trusting the pending set.
		d.overflow.Store(true)
	}
}

// run owns the pending set and timers until ctx is cancelled. Any batch
// still pending at shutdown is flushed before returning.
func (d *debouncer) run(ctx context.Context) {
	pending := make(map[string]struct{})

	quiet := time.NewTimer(0)
	<-quiet.C
	deadline := time.NewTimer(0)
	<-deadline.C
	defer quiet.Stop()
	defer deadline.Stop()

	doFlush := func() {
		rescan := d.overflow.Swap(false)
		if len(pending) == 0 && !rescan {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = make(map[string]struct{})
		stopTimer(quiet)
		stopTimer(deadline)
		d.flush(paths, rescan)
	}

	for {
		select {
		case path := <-d.events:
			if len(pending) == 0 {
				stopTimer(deadline)
				deadline.Reset(d.maxWait)
			}
			pending[path] = struct{}{}
			stopTimer(quiet)
			quiet.Reset(d.debounce)
		case <-quiet.C:
			doFlush()
		case <-deadline.C:
			doFlush()
		case <-ctx.Done():
			// Drain anything already queued, then flush the remainder.
			for {
				select {
				case path := <-d.events:
					pending[path] = struct{}{}
					continue
				default:
				}
				break
			}
			doFlush()
			return
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// Watch follows the configured roots until ctx is cancelled, running the
// incremental pipeline on debounced batches of changed session files.
func (ix *Indexer) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, root := range ix.cfg.Roots {
		if err := watchTree(w, root); err != nil {
			ix.log.Warn("watch root unavailable", "root", root, "error", err)
		}
	}

	deb := newDebouncer(ix.cfg.Debounce(), ix.cfg.MaxWait(), func(paths []string, rescan bool) {
		// The shutdown flush runs after ctx is cancelled; give it a
		// fresh context so the pending batch still lands.
		flushCtx := ctx
		if ctx.Err() != nil {
			flushCtx = context.Background()
		}
		if err := ix.limiter.Wait(flushCtx); err != nil {
			return
		}
		var res *Result
		var err error
		if rescan {
			// Dropped events left the pending set incomplete.
			res, err = ix.Incremental(flushCtx)
		} else {
			res, err = ix.ingestPaths(flushCtx, paths)
		}
		if err != nil {
			ix.log.Error("watch flush failed", "files", len(paths), "error", err)
			return
		}
		ix.log.Info("watch flush", "files", len(paths), "rescan", rescan,
			"messages", res.MessagesIndexed, "elapsed_ms", res.DurationMS)
	})

	done := make(chan struct{})
	go func() {
		deb.run(ctx)
		close(done)
	}()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				<-done
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				// New session directories appear when a project is first
				// used; watch them as they show up.
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watchTree(w, ev.Name)
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !transcript.IsSessionFile(filepath.Base(ev.Name)) {
				continue
			}
			deb.notify(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				<-done
				return nil
			}
			ix.log.Warn("watcher error", "error", err)
		case <-ctx.Done():
			<-done // final flush happens inside run
			return nil
		}
	}
}

// watchTree registers root and every directory below it.
func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
