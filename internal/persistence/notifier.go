package persistence

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// NotificationKind classifies a cross-process notification.
type NotificationKind string

const (
	// KindLease signals that the primary lease row changed.
	KindLease NotificationKind = "lease"
	// KindWriteState signals that a mutation batch changed state
	// (enqueued, acknowledged, rejected, removed).
	KindWriteState NotificationKind = "write_state"
	// KindRemoteEvent signals that the primary applied a remote event
	// to the shared document cache.
	KindRemoteEvent NotificationKind = "remote_event"
)

// Notification is one entry from the shared notify log.
//
// Delivery is best-effort, at-least-once, and unordered across
// clients. Receivers must treat a notification as a hint to re-read
// durable state, never as ground truth by itself.
type Notification struct {
	Seq      int64
	ClientID string
	Kind     NotificationKind
	Payload  string
}

// Notifier is the broadcast channel between co-resident clients
// sharing one database.
//
// Writers append rows to the notify log inside their own durable
// transaction, then call Announce after the commit. Announce touches a
// sentinel file next to the database; other processes wake up via an
// fsnotify watch on that file (with a polling fallback for platforms
// or filesystems where fsnotify misses events) and drain the log rows
// past their cursor.
type Notifier struct {
	db           *DB
	clientID     string
	sentinel     string
	logger       *log.Logger
	pollInterval time.Duration

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	running  bool
	lastSeq  int64
	handlers []func(Notification)

	done chan struct{}
	wg   sync.WaitGroup
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	// PollInterval is the fallback drain interval (default 1s).
	PollInterval time.Duration

	// Logger for notifier activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultNotifierConfig returns sensible defaults.
func DefaultNotifierConfig() *NotifierConfig {
	return &NotifierConfig{
		PollInterval: time.Second,
		Logger:       log.New(os.Stderr, "[notifier] ", log.LstdFlags),
	}
}

// NewNotifier creates a notifier for one client instance.
func NewNotifier(db *DB, clientID string, config *NotifierConfig) (*Notifier, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if clientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}
	if config == nil {
		config = DefaultNotifierConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[notifier] ", log.LstdFlags)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Notifier{
		db:           db,
		clientID:     clientID,
		sentinel:     db.Path() + ".notify",
		logger:       config.Logger,
		pollInterval: config.PollInterval,
		watcher:      watcher,
		done:         make(chan struct{}),
	}, nil
}

// Subscribe registers a handler for incoming notifications. Handlers
// run on the notifier's goroutine and must not block.
func (n *Notifier) Subscribe(fn func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, fn)
}

// Start begins watching the sentinel file and draining the log.
// Notifications already in the log at start are skipped; only rows
// appended afterwards are delivered.
func (n *Notifier) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return fmt.Errorf("notifier already running")
	}

	// Initialize the cursor to the current tail.
	row := n.db.QueryRow(context.Background(), "SELECT COALESCE(MAX(seq), 0) FROM notify_log")
	if err := row.Scan(&n.lastSeq); err != nil {
		return fmt.Errorf("failed to read notify log tail: %w", err)
	}

	// Make sure the sentinel exists, then watch its directory (fsnotify
	// on the file itself breaks across rename-style updates).
	if err := os.WriteFile(n.sentinel, []byte{}, 0644); err != nil {
		return fmt.Errorf("failed to create sentinel file: %w", err)
	}
	if err := n.watcher.Add(filepath.Dir(n.sentinel)); err != nil {
		return fmt.Errorf("failed to watch sentinel directory: %w", err)
	}

	n.running = true
	n.wg.Add(1)
	go n.loop()
	return nil
}

// Stop shuts the notifier down and waits for its goroutine.
func (n *Notifier) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.mu.Unlock()

	close(n.done)
	if err := n.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	n.wg.Wait()
	return nil
}

// Append records a notification inside the caller's transaction so it
// commits atomically with the state change it describes.
func (n *Notifier) Append(txn *Txn, kind NotificationKind, payload string) error {
	_, err := txn.Exec(
		"INSERT INTO notify_log (client_id, kind, payload, created_at) VALUES (?, ?, ?, ?)",
		n.clientID, string(kind), payload, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}
	return nil
}

// Announce wakes co-resident processes after a commit by touching the
// sentinel file. Failure is logged, not returned: the polling fallback
// will deliver the notification anyway.
func (n *Notifier) Announce() {
	if err := os.WriteFile(n.sentinel, []byte(time.Now().UTC().Format(time.RFC3339Nano)), 0644); err != nil {
		n.logger.Printf("Warning: failed to touch sentinel: %v", err)
	}
}

func (n *Notifier) loop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return

		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".notify") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				n.drain()
			}

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			n.drain()
		}
	}
}

// Drain delivers any log rows past the cursor. Exported so secondaries
// can force a synchronous catch-up (tests and shutdown paths use this
// instead of waiting on fsnotify latency).
func (n *Notifier) Drain() {
	n.drain()
}

func (n *Notifier) drain() {
	n.mu.Lock()
	cursor := n.lastSeq
	handlers := make([]func(Notification), len(n.handlers))
	copy(handlers, n.handlers)
	n.mu.Unlock()

	rows, err := n.db.Query(context.Background(),
		"SELECT seq, client_id, kind, payload FROM notify_log WHERE seq > ? ORDER BY seq ASC",
		cursor,
	)
	if err != nil {
		n.logger.Printf("Failed to read notify log: %v", err)
		return
	}
	defer rows.Close()

	var delivered []Notification
	maxSeq := cursor
	for rows.Next() {
		var note Notification
		var kind string
		if err := rows.Scan(&note.Seq, &note.ClientID, &kind, &note.Payload); err != nil {
			n.logger.Printf("Failed to scan notification: %v", err)
			return
		}
		note.Kind = NotificationKind(kind)
		maxSeq = note.Seq

		// Skip our own notifications; local state changed in-process.
		if note.ClientID == n.clientID {
			continue
		}
		delivered = append(delivered, note)
	}
	if err := rows.Err(); err != nil {
		n.logger.Printf("Error iterating notify log: %v", err)
		return
	}

	n.mu.Lock()
	if maxSeq > n.lastSeq {
		n.lastSeq = maxSeq
	}
	n.mu.Unlock()

	for _, note := range delivered {
		for _, fn := range handlers {
			fn(note)
		}
	}
}
