// Package store persists chat history and resolver logs encrypted at
// rest, recovering from corrupted payloads instead of crashing the app.
// Every mutation is serialized through one operation queue.
package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	zlog "github.com/semihalev/zlog/v2"

	"github.com/dnschat/dnschat/chat"
	"github.com/dnschat/dnschat/metrics"
	"github.com/dnschat/dnschat/transport"
)

const (
	chatsFileName = "chats.bin"
	logsFileName  = "logs.bin"
)

// Options configure a Store.
type Options struct {
	// Retention bounds the resolver log history, oldest evicted first.
	Retention int
	// Passphrase, when non-empty, wraps the storage key with an
	// argon2id-derived key instead of keeping it plain on disk.
	Passphrase []byte
}

// LoadOptions control corruption handling on reads.
type LoadOptions struct {
	// RecoverOnCorruption backs up the raw payload, clears the slot and
	// returns an empty collection instead of failing. This is the
	// default; strict mode exists so tests can assert detection.
	RecoverOnCorruption bool
}

// Store is the encrypted persistence layer.
type Store struct {
	dir       string
	key       []byte
	retention int

	queue *opQueue

	mu        sync.RWMutex
	logs      []transport.LogEntry
	logsdirty bool
	loaded    bool
	observers []func(transport.LogEntry)
}

// Open prepares the data directory, loads or regenerates the storage key
// and starts the operation queue.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	key, err := loadOrCreateKey(dir, opts.Passphrase)
	if err != nil {
		return nil, err
	}

	retention := opts.Retention
	if retention <= 0 {
		retention = 100
	}

	return &Store{
		dir:       dir,
		key:       key,
		retention: retention,
		queue:     newOpQueue(),
	}, nil
}

// Close drains queued operations and flushes the log ring.
func (s *Store) Close() error {
	err := s.queue.do(s.flushLogs)
	s.queue.close()
	return err
}

// LoadChats returns the decrypted chat history. nil opts means recover
// on corruption.
func (s *Store) LoadChats(opts *LoadOptions) ([]chat.Chat, error) {
	if opts == nil {
		opts = &LoadOptions{RecoverOnCorruption: true}
	}

	var chats []chat.Chat
	err := s.queue.do(func() error {
		return s.loadSlot(chatsFileName, opts, &chats)
	})
	if err != nil {
		return nil, err
	}

	if chats == nil {
		chats = []chat.Chat{}
	}

	return chats, nil
}

// SaveChats encrypts and writes the whole chat history.
func (s *Store) SaveChats(chats []chat.Chat) error {
	return s.queue.do(func() error {
		return s.saveSlot(chatsFileName, chats)
	})
}

// AppendLog records one resolver attempt, evicting the oldest entries
// once the retention cap is exceeded, and notifies observers.
func (s *Store) AppendLog(entry transport.LogEntry) {
	err := s.queue.do(func() error {
		// a failed load must fail the append, flushing over an unread
		// file would discard the persisted history
		if err := s.ensureLogsLoaded(); err != nil {
			return err
		}

		s.mu.Lock()
		s.logs = append(s.logs, entry)
		if over := len(s.logs) - s.retention; over > 0 {
			s.logs = append([]transport.LogEntry{}, s.logs[over:]...)
		}
		s.logsdirty = true
		s.mu.Unlock()

		return s.flushLogs()
	})
	if err != nil {
		// late entries from an in-flight query racing shutdown are
		// expected, anything else is worth surfacing
		if errors.Is(err, ErrStoreClosed) {
			zlog.Debug("Resolver log entry dropped after close")
		} else {
			zlog.Error("Resolver log append failed", "error", err.Error())
		}
		return
	}

	s.mu.RLock()
	observers := append([]func(transport.LogEntry){}, s.observers...)
	s.mu.RUnlock()

	for _, fn := range observers {
		fn(entry)
	}
}

// OnLogAppended registers an observer invoked after every appended entry.
func (s *Store) OnLogAppended(fn func(transport.LogEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observers = append(s.observers, fn)
}

// Logs returns a copy of the retained log history.
func (s *Store) Logs() ([]transport.LogEntry, error) {
	err := s.queue.do(s.ensureLogsLoaded)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]transport.LogEntry{}, s.logs...), nil
}

func (s *Store) ensureLogsLoaded() error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()

	if loaded {
		return nil
	}

	var logs []transport.LogEntry
	opts := &LoadOptions{RecoverOnCorruption: true}
	if err := s.loadSlot(logsFileName, opts, &logs); err != nil {
		// not latched: a transient read failure must not let the next
		// flush clobber the persisted history
		return err
	}

	s.mu.Lock()
	s.logs = logs
	s.loaded = true
	s.mu.Unlock()

	return nil
}

func (s *Store) flushLogs() error {
	s.mu.Lock()
	if !s.logsdirty {
		s.mu.Unlock()
		return nil
	}
	logs := append([]transport.LogEntry{}, s.logs...)
	s.logsdirty = false
	s.mu.Unlock()

	return s.saveSlot(logsFileName, logs)
}

// loadSlot reads and decrypts one storage slot. On corruption the raw
// payload is backed up under a timestamped name and the slot cleared so
// the app can keep operating with empty state.
func (s *Store) loadSlot(name string, opts *LoadOptions, v any) error {
	path := filepath.Join(s.dir, name)

	payload, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	cerr := open(name, payload, s.key, v)
	if cerr == nil {
		return nil
	}

	if !opts.RecoverOnCorruption {
		return cerr
	}

	backup := path + ".corrupt-" + time.Now().UTC().Format("20060102T150405Z")
	if werr := os.WriteFile(backup, payload, 0o600); werr != nil {
		zlog.Error("Corrupted payload backup failed", "slot", name, "error", werr.Error())
	}

	if rerr := os.Remove(path); rerr != nil {
		zlog.Error("Corrupted slot clear failed", "slot", name, "error", rerr.Error())
	}

	zlog.Warn("Corrupted storage slot recovered", "slot", name, "backup", backup, "reason", cerr.Error())
	metrics.StorageRecovery()

	return nil
}

func (s *Store) saveSlot(name string, v any) error {
	payload, err := seal(v, s.key)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(s.dir, name), payload, 0o600)
}
