package odb

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher refreshes the database when pack files appear in or vanish from
// a pack directory, so packs published by other processes become visible
// without polling.
type Watcher struct {
	fsw    *fsnotify.Watcher
	db     *Odb
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// WatchPacks starts watching the database's pack directory. The database
// must have been constructed by Open. Callers close the returned Watcher
// when done.
func (db *Odb) WatchPacks() (*Watcher, error) {
	if db.packed == nil {
		return nil, fmt.Errorf("odb watch: database has no pack directory")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(db.packed.Dir()); err != nil {
		fsw.Close()
		return nil, wrapIO("watch pack dir", err)
	}

	w := &Watcher{
		fsw:    fsw,
		db:     db,
		logger: db.logger,
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !packRelated(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("pack directory changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))
			if err := w.db.Refresh(); err != nil {
				w.logger.Warn("refresh after pack change failed", zap.Error(err))
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pack watcher error", zap.Error(err))
		}
	}
}

// packRelated reports whether a path names a pack or index file. Temp
// files from in-progress publishes are ignored; the rename into place
// produces its own event.
func packRelated(path string) bool {
	if strings.Contains(path, ".tmp-") {
		return false
	}
	return strings.HasSuffix(path, ".pack") || strings.HasSuffix(path, ".idx")
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fsw.Close()
		<-w.done
	})
	return err
}
