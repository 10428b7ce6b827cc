package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsLoop drains an fsnotify watcher and calls fire with the last accepted
// path once no accepted event arrived for debounce. Watcher and DirWatcher
// differ only in what they add to the watcher and which events they accept.
type fsLoop struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	accept   func(fsnotify.Event) bool
	fire     func(path string)
	logger   *slog.Logger

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newFSLoop(debounce time.Duration, accept func(fsnotify.Event) bool, fire func(string), logger *slog.Logger) (*fsLoop, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &fsLoop{
		watcher:  watcher,
		debounce: debounce,
		accept:   accept,
		fire:     fire,
		logger:   logger,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (l *fsLoop) start() {
	go l.run()
}

// stop ends the loop and waits for it, so fire is never called afterwards.
// A pending debounced change is dropped.
func (l *fsLoop) stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.quit)
		err = l.watcher.Close()
		<-l.done
	})
	return err
}

// close releases a loop that was never started.
func (l *fsLoop) close() {
	l.stopOnce.Do(func() {
		close(l.quit)
		_ = l.watcher.Close()
	})
}

func (l *fsLoop) run() {
	defer close(l.done)

	timer := time.NewTimer(l.debounce)
	timer.Stop()
	defer timer.Stop()
	var last string

	for {
		select {
		case <-l.quit:
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !l.accept(event) {
				continue
			}
			l.logger.Debug("File change detected", "path", event.Name, "op", event.Op.String())
			last = event.Name
			timer.Reset(l.debounce)

		case <-timer.C:
			select {
			case <-l.quit:
				return
			default:
			}
			l.fire(last)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("File watcher error", "error", err)
		}
	}
}
