package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// reader is what a watch needs to build snapshots.
type reader interface {
	Get(ctx context.Context, path string) (*Document, error)
	List(ctx context.Context, collection string) ([]*Document, error)
}

// watch is one snapshot listener. It re-reads its target whenever it is
// signalled (or on every poll tick) and delivers only when the content changed.
type watch struct {
	path       string
	collection bool
	fn         Listener
	src        reader
	poll       time.Duration

	signal chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	reg    *watchRegistry
}

func (w *watch) matches(changed string) bool {
	if w.collection {
		return Parent(changed) == w.path
	}
	return changed == w.path
}

func (w *watch) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watch) snapshot(ctx context.Context) (Snapshot, error) {
	if w.collection {
		docs, err := w.src.List(ctx, w.path)
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Path: w.path, Documents: docs}, nil
	}
	doc, err := w.src.Get(ctx, w.path)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: w.path, Document: doc}, nil
}

func (w *watch) loop(ctx context.Context) {
	defer close(w.done)

	var tick <-chan time.Time
	if w.poll > 0 {
		t := time.NewTicker(w.poll)
		defer t.Stop()
		tick = t.C
	}

	var last, lastErr string
	delivered := false
	for {
		snap, err := w.snapshot(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			if err.Error() != lastErr {
				lastErr = err.Error()
				w.fn(Snapshot{Path: w.path}, err)
			}
		default:
			lastErr = ""
			if fp := fingerprint(snap); !delivered || fp != last {
				delivered = true
				last = fp
				w.fn(snap, nil)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-w.signal:
		case <-tick:
		}
	}
}

// Remove stops the listener and waits for an in-flight delivery to finish.
func (w *watch) Remove() error {
	w.once.Do(func() {
		w.cancel()
		<-w.done
		w.reg.remove(w)
	})
	return nil
}

// watchRegistry tracks the live listeners of one store.
type watchRegistry struct {
	mu      sync.Mutex
	watches map[*watch]struct{}
	closed  bool
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{watches: make(map[*watch]struct{})}
}

func (r *watchRegistry) add(ctx context.Context, src reader, path string, collection bool, poll time.Duration, fn Listener) (*watch, error) {
	var err error
	if collection {
		err = ValidateCollectionPath(path)
	} else {
		err = ValidateDocumentPath(path)
	}
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &watch{
		path:       path,
		collection: collection,
		fn:         fn,
		src:        src,
		poll:       poll,
		signal:     make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
		reg:        r,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	r.watches[w] = struct{}{}
	r.mu.Unlock()

	go w.loop(wctx)
	return w, nil
}

func (r *watchRegistry) remove(w *watch) {
	r.mu.Lock()
	delete(r.watches, w)
	r.mu.Unlock()
}

// notify signals every listener whose target contains one of the paths.
func (r *watchRegistry) notify(paths ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for w := range r.watches {
		for _, p := range paths {
			if w.matches(p) {
				w.notify()
				break
			}
		}
	}
}

func (r *watchRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}

// closeAll stops every listener and refuses new ones.
func (r *watchRegistry) closeAll() {
	r.mu.Lock()
	r.closed = true
	ws := make([]*watch, 0, len(r.watches))
	for w := range r.watches {
		ws = append(ws, w)
	}
	r.mu.Unlock()

	for _, w := range ws {
		_ = w.Remove()
	}
}

func fingerprint(snap Snapshot) string {
	var b strings.Builder
	write := func(d *Document) {
		b.WriteString(d.Path)
		if !d.Exists() {
			b.WriteString("=<none>;")
			return
		}
		raw, _ := json.Marshal(d.Data)
		b.WriteByte('=')
		b.Write(raw)
		b.WriteByte(';')
	}
	if snap.Document != nil {
		write(snap.Document)
	}
	for _, d := range snap.Documents {
		write(d)
	}
	return b.String()
}
