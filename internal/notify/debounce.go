package notify

import (
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pendingEvent is a delayed event waiting for its path to become quiet.
type pendingEvent struct {
	op      Op
	path    string
	to      string
	due     time.Time
	dropped bool
}

// debouncer turns raw fsnotify events into debounced Events. It holds at
// most one pending event per path; later raw events for the same path merge
// into it and push its due time back. The debouncer is not safe for
// concurrent use; the backend goroutine owns it.
type debouncer struct {
	delay  time.Duration
	queue  []*pendingEvent
	byPath map[string]*pendingEvent

	// renameFrom is the pending entry of a rename source seen in the
	// previous raw event. fsnotify reports a rename as Rename(old) followed
	// by Create(new) when both ends live in watched directories.
	renameFrom *pendingEvent
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{
		delay:  delay,
		byPath: make(map[string]*pendingEvent),
	}
}

// handle records a raw event observed at now and returns the events that
// must be delivered immediately.
func (d *debouncer) handle(ev fsnotify.Event, now time.Time) []Event {
	renameFrom := d.renameFrom
	d.renameFrom = nil

	var out []Event
	if ev.Has(fsnotify.Create) {
		d.onCreate(ev.Name, renameFrom, now)
	}
	if ev.Has(fsnotify.Write) {
		out = append(out, d.onWrite(ev.Name, now)...)
	}
	if ev.Has(fsnotify.Remove) {
		out = append(out, d.onRemove(ev.Name, now)...)
	}
	if ev.Has(fsnotify.Rename) {
		out = append(out, d.onRename(ev.Name, now)...)
	}
	if ev.Has(fsnotify.Chmod) {
		d.onChmod(ev.Name, now)
	}
	return out
}

// handleError converts a backend error into an immediate event.
func (d *debouncer) handleError(err error) []Event {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		return []Event{{Op: Rescan}}
	}
	return []Event{{Op: Error, Err: err}}
}

func (d *debouncer) onCreate(path string, renameFrom *pendingEvent, now time.Time) {
	if renameFrom != nil && !renameFrom.dropped && renameFrom.path != path {
		d.drop(path)
		renameFrom.op = Rename
		renameFrom.to = path
		renameFrom.due = now.Add(d.delay)
		return
	}

	p, ok := d.byPath[path]
	if !ok {
		d.push(Create, path, now)
		return
	}
	switch p.op {
	case Write, Chmod:
		p.op = Create
	case Remove:
		// The path was replaced. Keep the removal: the consumer re-examines
		// the path once the removal settles and will find the new entry.
	}
	p.due = now.Add(d.delay)
}

func (d *debouncer) onWrite(path string, now time.Time) []Event {
	p, ok := d.byPath[path]
	if !ok {
		d.push(Write, path, now)
		return []Event{{Op: NoticeWrite, Path: path}}
	}
	var out []Event
	if p.op == Chmod {
		p.op = Write
		out = append(out, Event{Op: NoticeWrite, Path: path})
	}
	p.due = now.Add(d.delay)
	return out
}

func (d *debouncer) onChmod(path string, now time.Time) {
	if p, ok := d.byPath[path]; ok {
		p.due = now.Add(d.delay)
		return
	}
	d.push(Chmod, path, now)
}

func (d *debouncer) onRemove(path string, now time.Time) []Event {
	out := []Event{{Op: NoticeRemove, Path: path}}
	p, ok := d.byPath[path]
	if !ok {
		d.push(Remove, path, now)
		return out
	}
	switch p.op {
	case Create:
		// Created and removed within one window: nothing to report later.
		d.drop(path)
		return out
	case Write, Chmod:
		p.op = Remove
	}
	p.due = now.Add(d.delay)
	return out
}

func (d *debouncer) onRename(path string, now time.Time) []Event {
	out := []Event{{Op: NoticeRemove, Path: path}}
	p, ok := d.byPath[path]
	switch {
	case !ok:
		p = d.push(Remove, path, now)
	case p.op == Create:
		d.drop(path)
		return out
	default:
		if p.op != Rename {
			p.op = Remove
		}
		p.due = now.Add(d.delay)
	}
	d.renameFrom = p
	return out
}

func (d *debouncer) push(op Op, path string, now time.Time) *pendingEvent {
	p := &pendingEvent{op: op, path: path, due: now.Add(d.delay)}
	d.queue = append(d.queue, p)
	d.byPath[path] = p
	return p
}

func (d *debouncer) drop(path string) {
	if p, ok := d.byPath[path]; ok {
		p.dropped = true
		delete(d.byPath, path)
	}
}

// flush returns the pending events that are due at now, in arrival order.
func (d *debouncer) flush(now time.Time) []Event {
	var out []Event
	kept := d.queue[:0]
	for _, p := range d.queue {
		if p.dropped {
			continue
		}
		if p.due.After(now) {
			kept = append(kept, p)
			continue
		}
		delete(d.byPath, p.path)
		if d.renameFrom == p {
			d.renameFrom = nil
		}
		out = append(out, Event{Op: p.op, Path: p.path, To: p.to})
	}
	for i := len(kept); i < len(d.queue); i++ {
		d.queue[i] = nil
	}
	d.queue = kept
	return out
}

// next reports the earliest due time among pending events.
func (d *debouncer) next() (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, p := range d.queue {
		if p.dropped {
			continue
		}
		if !found || p.due.Before(earliest) {
			earliest = p.due
			found = true
		}
	}
	return earliest, found
}

// pending returns the number of live pending events.
func (d *debouncer) pending() int {
	return len(d.byPath)
}
