package tasks

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cuip/internal/fsutil"
)

// FileSystemEvent represents a change to a frame file.
type FileSystemEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// FileSystemWatcher monitors directories for new frames.
type FileSystemWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan FileSystemEvent
	watchDirs []string
	done      chan struct{}
	stopOnce  sync.Once
	log       *slog.Logger
}

// NewFileSystemWatcher creates a watcher over watchPaths. Start begins delivery.
func NewFileSystemWatcher(watchPaths []string, logger *slog.Logger) (*FileSystemWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSystemWatcher{
		watcher:   watcher,
		Events:    make(chan FileSystemEvent, 100),
		watchDirs: watchPaths,
		done:      make(chan struct{}),
		log:       logger,
	}, nil
}

// Start adds the watch directories and begins processing events.
func (fsw *FileSystemWatcher) Start() error {
	for _, dir := range fsw.watchDirs {
		if err := fsw.watcher.Add(dir); err != nil {
			return err
		}
		fsw.log.Info("watching directory", "dir", dir)
	}
	go fsw.processEvents()
	return nil
}

// Stop ends event processing and closes Events.
func (fsw *FileSystemWatcher) Stop() error {
	var err error
	fsw.stopOnce.Do(func() {
		close(fsw.done)
		err = fsw.watcher.Close()
	})
	return err
}

func (fsw *FileSystemWatcher) processEvents() {
	defer close(fsw.Events)
	for {
		select {
		case event, ok := <-fsw.watcher.Events:
			if !ok {
				return
			}
			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				operation = "deleted"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}
			if !fsutil.IsFrameFile(event.Name) {
				continue
			}

			var size int64
			if operation != "deleted" {
				if info, err := os.Stat(event.Name); err == nil {
					size = info.Size()
				}
			}

			select {
			case fsw.Events <- FileSystemEvent{Path: event.Name, Operation: operation, Time: time.Now(), Size: size}:
			case <-fsw.done:
				return
			default:
				fsw.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-fsw.watcher.Errors:
			if !ok {
				return
			}
			fsw.log.Error("filesystem watcher error", "error", err)

		case <-fsw.done:
			return
		}
	}
}

// CompleteFrames filters events down to frames whose size matches want, so a
// raw frame is only registered once it is fully written. Empty files are
// skipped, as are repeats of the same path and size. The output closes when
// events closes or ctx ends.
func CompleteFrames(ctx context.Context, events <-chan FileSystemEvent, want int64) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		seen := map[string]int64{}
		for {
			var ev FileSystemEvent
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				ev = e
			}
			if ev.Operation != "created" && ev.Operation != "modified" {
				continue
			}
			if ev.Size == 0 || (want > 0 && fsutil.IsRawFrame(ev.Path) && ev.Size != want) {
				continue
			}
			if seen[ev.Path] == ev.Size {
				continue
			}
			seen[ev.Path] = ev.Size
			select {
			case out <- ev.Path:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
