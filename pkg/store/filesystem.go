package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FilesystemKV stores each key as a file under a root directory. Values are
// credentials, so files are written 0600 and the directory 0700. Writes go
// through a temp file and rename so a crash never leaves a torn value.
type FilesystemKV struct {
	rootDir string
}

// NewFilesystemKV creates a filesystem-backed store rooted at rootDir.
func NewFilesystemKV(rootDir string) (*FilesystemKV, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("filesystem root is required")
	}
	if err := os.MkdirAll(rootDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FilesystemKV{rootDir: rootDir}, nil
}

func (s *FilesystemKV) path(key string) string {
	// Keys are fixed names from the record codec, but guard against path
	// separators anyway.
	return filepath.Join(s.rootDir, strings.ReplaceAll(key, string(os.PathSeparator), "_"))
}

// Get implements KV.Get
func (s *FilesystemKV) Get(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return string(data), true, nil
}

// Set implements KV.Set
func (s *FilesystemKV) Set(_ context.Context, key, value string) error {
	target := s.path(key)
	tmp, err := os.CreateTemp(s.rootDir, ".tmp-"+key+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for key %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod key %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for key %s: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit key %s: %w", key, err)
	}
	return nil
}

// Delete implements KV.Delete
func (s *FilesystemKV) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
	}
	return nil
}

// Close implements KV.Close
func (s *FilesystemKV) Close() error {
	return nil
}

// Event describes an external mutation of the store directory.
type Event struct {
	Key string
	Op  string // "write" or "remove"
}

// Watch reports external mutations of the credential directory until ctx is
// cancelled. Another process logging out (or a user deleting credential
// files) shows up here, mirroring how the original shared storage behaved
// across consumers.
func (s *FilesystemKV) Watch(ctx context.Context) (<-chan Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.rootDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch store directory: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer watcher.Close()
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				key := filepath.Base(ev.Name)
				if strings.HasPrefix(key, ".tmp-") {
					continue // our own atomic-write staging files
				}
				var op string
				switch {
				case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
					op = "write"
				case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					op = "remove"
				default:
					continue
				}
				select {
				case events <- Event{Key: key, Op: op}:
				default:
					// Drop when the consumer is slow; events are advisory.
				}
			case <-watcher.Errors:
				// Watcher errors are not fatal for the store itself.
			}
		}
	}()

	return events, nil
}
