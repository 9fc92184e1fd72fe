package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Subdirectories of the inbox that imported and rejected files are moved to.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// ImportFunc imports one inbox file into table.
type ImportFunc func(ctx context.Context, table, path string) error

// Inbox watches a directory for backup files and imports each one once it has
// stopped changing. The table is taken from the file name, so patients.json
// is imported into patients.
type Inbox struct {
	dir      string
	debounce time.Duration
	handle   ImportFunc
	logger   logrus.FieldLogger

	watcher *fsnotify.Watcher

	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	ctx context.Context
	wg  sync.WaitGroup
}

// NewInbox creates an Inbox over dir, creating the directory if needed.
func NewInbox(dir string, debounce time.Duration, handle ImportFunc, logger logrus.FieldLogger) (*Inbox, error) {
	if dir == "" {
		return nil, fmt.Errorf("inbox dir cannot be empty")
	}
	if handle == nil {
		return nil, fmt.Errorf("inbox handler cannot be nil")
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Inbox{
		dir:         dir,
		debounce:    debounce,
		handle:      handle,
		logger:      logger,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Start watches the directory until ctx is done. Files already present are
// queued immediately.
func (in *Inbox) Start(ctx context.Context) error {
	if err := in.watcher.Add(in.dir); err != nil {
		in.watcher.Close()
		return fmt.Errorf("failed to watch inbox directory %s: %w", in.dir, err)
	}
	in.ctx = ctx

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.watcher.Close()
		return fmt.Errorf("failed to read inbox directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			in.queueChange(filepath.Join(in.dir, e.Name()))
		}
	}

	in.wg.Add(2)
	go in.watchFileEvents()
	go in.processChangeQueue()
	return nil
}

// Stop closes the watcher and waits for the inbox goroutines. The context
// passed to Start must be done, or about to be, for Stop to return.
func (in *Inbox) Stop() error {
	err := in.watcher.Close()
	in.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// TableFor returns the table an inbox file belongs to, or false for files
// that are not backups.
func TableFor(path string) (string, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return "", false
	}

	ext := strings.ToLower(filepath.Ext(base))
	switch ext {
	case ".json", ".jsonl", ".yaml", ".yml":
	default:
		return "", false
	}

	table := strings.TrimSuffix(base, filepath.Ext(base))
	if table == "" {
		return "", false
	}
	return table, true
}

// watchFileEvents monitors filesystem events and queues changes.
func (in *Inbox) watchFileEvents() {
	defer in.wg.Done()

	for {
		select {
		case <-in.ctx.Done():
			return

		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if _, ok := TableFor(event.Name); !ok {
				continue
			}

			in.logger.WithFields(logrus.Fields{"op": event.Op.String(), "path": event.Name}).Debug("inbox event")
			in.queueChange(event.Name)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.WithError(err).Warn("inbox watcher error")
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (in *Inbox) queueChange(path string) {
	if _, ok := TableFor(path); !ok {
		return
	}

	in.changeQueueMu.Lock()
	defer in.changeQueueMu.Unlock()

	in.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued files with debouncing.
func (in *Inbox) processChangeQueue() {
	defer in.wg.Done()

	ticker := time.NewTicker(in.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-in.ctx.Done():
			return

		case <-ticker.C:
			in.processPendingChanges()
		}
	}
}

// processPendingChanges imports files that have been quiet for long enough.
func (in *Inbox) processPendingChanges() {
	in.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range in.changeQueue {
		if now.Sub(queuedAt) < in.debounce {
			continue
		}
		ready = append(ready, path)
		delete(in.changeQueue, path)
	}
	in.changeQueueMu.Unlock()

	for _, path := range ready {
		in.process(path)
	}
}

func (in *Inbox) process(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}

	table, _ := TableFor(path)
	logger := in.logger.WithFields(logrus.Fields{"table": table, "path": path})

	dest := ProcessedDir
	if err := in.handle(in.ctx, table, path); err != nil {
		logger.WithError(err).Error("inbox import failed")
		dest = FailedDir
	}

	if err := moveInto(filepath.Join(in.dir, dest), path); err != nil {
		logger.WithError(err).Error("failed to move inbox file")
	}
}

// moveInto moves path into dir, suffixing the name with a timestamp so that
// repeated drops of the same file don't collide.
func moveInto(dir, path string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stamp := time.Now().UTC().Format("20060102T150405.000")
	name := fmt.Sprintf("%s.%s%s", strings.TrimSuffix(base, ext), stamp, ext)

	if err := os.Rename(path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to move %s: %w", base, err)
	}
	return nil
}
