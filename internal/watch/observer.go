package watch

import (
	"fmt"
	"log"

	"github.com/fsnotify/fsnotify"

	"github.com/gluk-w/webssh/internal/logutil"
)

// Observer reports that something under a watched path changed. Events
// coalesce: a pending notification absorbs later ones until it is received.
type Observer interface {
	Events() <-chan struct{}
	Close() error
}

// Watcher starts observers.
type Watcher interface {
	Watch(path string) (Observer, error)
}

// FSNotify is the Watcher backed by the operating system's file
// notification facility. Each observer owns one fsnotify.Watcher.
type FSNotify struct{}

func (FSNotify) Watch(path string) (Observer, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	obs := &fsObserver{
		w:      w,
		path:   path,
		events: make(chan struct{}, 1),
	}
	go obs.loop()
	return obs, nil
}

type fsObserver struct {
	w      *fsnotify.Watcher
	path   string
	events chan struct{}
}

func (o *fsObserver) Events() <-chan struct{} { return o.events }

func (o *fsObserver) Close() error { return o.w.Close() }

func (o *fsObserver) loop() {
	for {
		select {
		case ev, ok := <-o.w.Events:
			if !ok {
				return
			}
			if ev.Op == 0 {
				continue
			}
			select {
			case o.events <- struct{}{}:
			default:
			}
		case err, ok := <-o.w.Errors:
			if !ok {
				return
			}
			log.Printf("[watch] observer %s: %v", logutil.SanitizeForLog(o.path), err)
		}
	}
}
