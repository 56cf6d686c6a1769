// Package coordinator elects a primary among client processes sharing
// one durable store. Clients write periodic lease heartbeats and
// observe peers through the store's change-notification channel; only
// the primary drives the remote store, while secondaries follow
// durable state the primary commits.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/usedtobeme/docsync/internal/engine"
	"github.com/usedtobeme/docsync/internal/persistence"
)

// leaseKey is the single lease row shared by all clients of a store.
const leaseKey = "primary"

// Config holds coordinator configuration.
type Config struct {
	// LeaseDuration is how long a heartbeat keeps the lease valid
	// (default 5s).
	LeaseDuration time.Duration

	// RefreshInterval is the heartbeat period (default 2s). Must be
	// comfortably below LeaseDuration or the primary flaps.
	RefreshInterval time.Duration

	// Logger for coordinator activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LeaseDuration:   5 * time.Second,
		RefreshInterval: 2 * time.Second,
		Logger:          log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
	}
}

// Coordinator runs the lease protocol for one client instance.
type Coordinator struct {
	db       *persistence.DB
	notifier *persistence.Notifier
	engine   *engine.Engine
	clientID string
	config   *Config

	mu        sync.Mutex
	isPrimary bool
	running   bool

	// kick wakes the loop early when a notification suggests the
	// lease or durable state moved. Notifications are hints; the loop
	// always re-validates against the lease row itself.
	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. notifier may be nil in single-client
// setups; the lease protocol still runs, it just cannot observe peers
// between polls.
func New(db *persistence.DB, notifier *persistence.Notifier, eng *engine.Engine, clientID string, config *Config) (*Coordinator, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if clientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 5 * time.Second
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		db:       db,
		notifier: notifier,
		engine:   eng,
		clientID: clientID,
		config:   config,
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start subscribes to notifications, runs the first heartbeat, and
// begins the refresh loop.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already running")
	}
	c.running = true
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.Subscribe(c.handleNotification)
	}

	c.Heartbeat()

	c.wg.Add(1)
	go c.loop()
	return nil
}

// Stop halts the refresh loop and, when primary, releases the lease
// so a peer can take over without waiting for expiry. Durable state
// other than the lease row is untouched.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if c.IsPrimary() {
		if err := c.releaseLease(); err != nil {
			c.config.Logger.Printf("Failed to release lease: %v", err)
		}
		c.setPrimary(false)
	}
	return nil
}

// IsPrimary reports the coordinator's current belief about holding
// the lease. Eventually consistent, never strictly exclusive.
func (c *Coordinator) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isPrimary
}

// Heartbeat runs one lease round: acquire or refresh the lease if
// possible, and apply the resulting primary state to the engine.
//
// A heartbeat that cannot be written (store unavailable, or a peer
// holds an unexpired lease) demotes this client; a client that cannot
// prove its lease must not keep acting as primary.
func (c *Coordinator) Heartbeat() {
	acquired, err := c.tryAcquireLease(c.ctx)
	if err != nil {
		if persistence.IsUnavailable(err) {
			c.config.Logger.Printf("Lease heartbeat failed, demoting: %v", err)
		} else {
			c.config.Logger.Printf("Lease heartbeat error: %v", err)
		}
		c.setPrimary(false)
		return
	}
	c.setPrimary(acquired)
}

// LeaseHolder returns the current owner and expiry of the lease row.
// ok=false when no lease has ever been written.
func (c *Coordinator) LeaseHolder(ctx context.Context) (owner string, expires time.Time, ok bool, err error) {
	var expiresStr string
	scanErr := c.db.QueryRow(ctx,
		"SELECT owner_id, expires_at FROM client_leases WHERE lease_key = ?", leaseKey,
	).Scan(&owner, &expiresStr)
	if scanErr == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if scanErr != nil {
		return "", time.Time{}, false, fmt.Errorf("failed to read lease: %w", scanErr)
	}
	expires, _ = time.Parse(time.RFC3339Nano, expiresStr)
	return owner, expires, true, nil
}

func (c *Coordinator) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-ticker.C:
			c.Heartbeat()

		case <-c.kick:
			c.Heartbeat()
			// Both roles follow durable state written by peers: a
			// secondary picks up resolutions the primary committed, a
			// primary picks up batches a secondary enqueued.
			c.engine.SynchronizeFromDurable(c.ctx)
		}
	}
}

// handleNotification runs on the notifier's goroutine; it only nudges
// the loop, never blocks.
func (c *Coordinator) handleNotification(note persistence.Notification) {
	switch note.Kind {
	case persistence.KindLease, persistence.KindWriteState, persistence.KindRemoteEvent:
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// tryAcquireLease performs one compare-and-write round on the lease
// row inside a single durable transaction.
func (c *Coordinator) tryAcquireLease(ctx context.Context) (bool, error) {
	var acquired bool

	err := c.db.RunTransaction(ctx, "leaseHeartbeat", func(txn *persistence.Txn) error {
		var (
			owner      string
			version    int64
			expiresStr string
		)
		scanErr := txn.QueryRow(
			"SELECT owner_id, lease_version, expires_at FROM client_leases WHERE lease_key = ?",
			leaseKey,
		).Scan(&owner, &version, &expiresStr)

		nowT := time.Now().UTC()
		newExpiry := nowT.Add(c.config.LeaseDuration).Format(time.RFC3339Nano)

		switch {
		case scanErr == sql.ErrNoRows:
			if _, err := txn.Exec(
				"INSERT INTO client_leases (lease_key, owner_id, lease_version, expires_at) VALUES (?, ?, 1, ?)",
				leaseKey, c.clientID, newExpiry,
			); err != nil {
				return fmt.Errorf("failed to create lease: %w", err)
			}
			acquired = true

		case scanErr != nil:
			return fmt.Errorf("failed to read lease: %w", scanErr)

		default:
			expires, _ := time.Parse(time.RFC3339Nano, expiresStr)
			if owner != c.clientID && nowT.Before(expires) {
				acquired = false
				return nil
			}
			// Own lease refresh, or takeover of an expired lease. The
			// version guard catches a concurrent writer between our
			// read and this update.
			res, err := txn.Exec(`
				UPDATE client_leases
				SET owner_id = ?, lease_version = lease_version + 1, expires_at = ?
				WHERE lease_key = ? AND lease_version = ?`,
				c.clientID, newExpiry, leaseKey, version,
			)
			if err != nil {
				return fmt.Errorf("failed to write lease: %w", err)
			}
			n, _ := res.RowsAffected()
			acquired = n == 1
		}

		if acquired && c.notifier != nil {
			return c.notifier.Append(txn, persistence.KindLease, c.clientID)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if acquired && c.notifier != nil {
		c.notifier.Announce()
	}
	return acquired, nil
}

// releaseLease deletes the lease row if this client still owns it.
func (c *Coordinator) releaseLease() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.db.RunTransaction(ctx, "releaseLease", func(txn *persistence.Txn) error {
		if _, err := txn.Exec(
			"DELETE FROM client_leases WHERE lease_key = ? AND owner_id = ?",
			leaseKey, c.clientID,
		); err != nil {
			return fmt.Errorf("failed to delete lease: %w", err)
		}
		if c.notifier != nil {
			return c.notifier.Append(txn, persistence.KindLease, "")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if c.notifier != nil {
		c.notifier.Announce()
	}
	return nil
}

func (c *Coordinator) setPrimary(isPrimary bool) {
	c.mu.Lock()
	changed := c.isPrimary != isPrimary
	c.isPrimary = isPrimary
	c.mu.Unlock()

	if changed {
		c.engine.ApplyPrimaryState(c.ctx, isPrimary)
	}
}
