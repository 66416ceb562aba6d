package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchTrace calls run each time the file at path is written or replaced, until ctx is done.
// The containing directory is watched so that editors that save by renaming are picked up.
func watchTrace(ctx context.Context, logger *slog.Logger, path string, run func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	err = watcher.Add(filepath.Dir(absPath))
	if err != nil {
		return err
	}

	logger.Info("watching trace", slog.String("Path", absPath))

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) != absPath {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				run()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watch error", slog.Any("error", err))
		}
	}
}
