package watcher

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DebounceDelay between the last change event and the callback
const DebounceDelay = 100 * time.Millisecond

// WatchFile invokes the handler when the file changes.
// Multiple quick changes are debounced into a single callback. After the callback the
// file is watched again to handle editors and tools that replace the file, changing its inode.
//
//  path to watch
//  handler to invoke on change
// This returns the fsnotify watcher. Close it when done.
func WatchFile(path string, handler func() error) (*fsnotify.Watcher, error) {
	fileWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		logrus.Errorf("WatchFile: unable to create watcher: %s", err)
		return nil, err
	}
	callbackTimer := time.AfterFunc(DebounceDelay, func() {
		logrus.Debugf("WatchFile: invoking callback for '%s'", path)
		if err := handler(); err != nil {
			logrus.Warningf("WatchFile: callback for '%s' failed: %s", path, err)
		}
		// file renames change the inode of the filename, resubscribe
		_ = fileWatcher.Remove(path)
		_ = fileWatcher.Add(path)
	})
	callbackTimer.Stop()

	err = fileWatcher.Add(path)
	if err != nil {
		logrus.Errorf("WatchFile: unable to watch '%s' for changes: %s", path, err)
		fileWatcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-fileWatcher.Events:
				if !ok {
					callbackTimer.Stop()
					return
				}
				logrus.Debugf("WatchFile: event: %s", event)
				callbackTimer.Reset(DebounceDelay)
			case err, ok := <-fileWatcher.Errors:
				if !ok {
					callbackTimer.Stop()
					return
				}
				logrus.Errorf("WatchFile: Error: %s", err)
			}
		}
	}()
	return fileWatcher, nil
}
