package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/pkg/log"
)

const (
	tenantsDirName = "tenants"
	clientsDirName = "clients"
)

var errWatchLost = errors.New("file watch stream lost")

// FileLoader watches a config directory with tenants/ and clients/
// subdirectories. Every YAML or JSON file holds one resource; the file path
// is its ref. Malformed files are logged and skipped.
type FileLoader struct {
	store  *entities.Store
	dir    string
	logger log.Logger

	// onFatal is invoked when the watch stream is lost. Readiness flips to
	// false; the loader itself stays down.
	onFatal func(error)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Loader = (*FileLoader)(nil)

// NewFileLoader returns a loader for the given base directory.
func NewFileLoader(store *entities.Store, dir string, logger log.Logger, onFatal func(error)) *FileLoader {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &FileLoader{
		store:   store,
		dir:     dir,
		logger:  logger,
		onFatal: onFatal,
	}
}

// Start scans both directories once and then watches them for changes.
func (l *FileLoader) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	l.watcher = watcher

	for _, sub := range []string{tenantsDirName, clientsDirName} {
		dir := filepath.Join(l.dir, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			watcher.Close()
			return err
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
		l.scan(dir)
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.watch(ctx)
	return nil
}

// Shutdown stops the watcher and waits for the event loop to drain.
func (l *FileLoader) Shutdown() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.watcher != nil {
		l.watcher.Close()
	}
	if l.done != nil {
		<-l.done
	}
}

func (l *FileLoader) scan(dir string) {
	files, err := os.ReadDir(dir)
	if err != nil {
		l.logger.Errorf("cannot read %s: %v", dir, err)
		return
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		l.apply(entities.EventAdded, filepath.Join(dir, f.Name()))
	}
}

func (l *FileLoader) watch(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				if ctx.Err() == nil {
					l.onFatal(errWatchLost)
				}
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				if ctx.Err() == nil {
					l.onFatal(errWatchLost)
				}
				return
			}
			l.logger.Errorf("file watch error: %v", err)
			l.onFatal(err)
			return
		}
	}
}

func (l *FileLoader) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Create):
		l.apply(entities.EventAdded, event.Name)
	case event.Op.Has(fsnotify.Write):
		l.apply(entities.EventModified, event.Name)
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		l.remove(event.Name)
	}
}

func isResourceFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func (l *FileLoader) apply(ev entities.EventType, path string) {
	if !isResourceFile(path) {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		l.logger.Warnf("cannot read %s: %v", path, err)
		return
	}
	ref := entities.FileRef(path)
	switch filepath.Base(filepath.Dir(path)) {
	case tenantsDirName:
		tenant, err := ParseTenant(data, ref)
		if err != nil {
			l.logger.Warnf("skipping %s: %v", path, err)
			return
		}
		l.store.ReconcileTenant(ev, tenant)
	case clientsDirName:
		client, err := ParseClient(data, ref)
		if err != nil {
			l.logger.Warnf("skipping %s: %v", path, err)
			return
		}
		l.store.ReconcileClient(ev, client)
	}
}

func (l *FileLoader) remove(path string) {
	if !isResourceFile(path) {
		return
	}
	ref := entities.FileRef(path)
	switch filepath.Base(filepath.Dir(path)) {
	case tenantsDirName:
		l.store.RemoveTenant(ref)
	case clientsDirName:
		l.store.RemoveClient(ref)
	}
}
