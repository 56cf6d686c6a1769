package remote

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/usedtobeme/docsync/internal/localstore"
	"github.com/usedtobeme/docsync/internal/model"
	"github.com/usedtobeme/docsync/internal/persistence"
	"github.com/usedtobeme/docsync/internal/scheduler"
)

// ConnectivityState describes the network view of the client.
type ConnectivityState string

const (
	// StateOffline means no stream is open and none is being opened.
	StateOffline ConnectivityState = "offline"
	// StateConnecting means a stream open is in flight.
	StateConnecting ConnectivityState = "connecting"
	// StateOnline means the stream is established.
	StateOnline ConnectivityState = "online"
)

// TargetListenState is the per-target watch state machine.
type TargetListenState int

const (
	// TargetNotListening: registered durably but not on the wire.
	TargetNotListening TargetListenState = iota
	// TargetPending: listen sent, no server response yet.
	TargetPending
	// TargetAcked: server confirmed the listen.
	TargetAcked
	// TargetErrored: server rejected the listen.
	TargetErrored
)

// SyncCallbacks is the remote store's upcall surface, implemented by
// the sync engine. Methods returning an error report whether the
// durable commit for the event succeeded; a persistence failure means
// the event is NOT final and must be re-delivered later.
type SyncCallbacks interface {
	HandleRemoteEvent(ev model.RemoteEvent) error
	HandleRejectedListen(targetID model.TargetID, err error)
	HandleSuccessfulWrite(batchID model.BatchID, versions []model.SnapshotVersion) error
	HandleFailedWrite(batchID model.BatchID, reason string) error

	// HandlePersistenceFailure is invoked once per failed durable
	// commit so the engine can go offline and schedule recovery.
	HandlePersistenceFailure(err error)

	// HandleConnectivityChange reports network-state transitions.
	HandleConnectivityChange(state ConnectivityState)
}

// Config holds remote store configuration.
type Config struct {
	// InitialBackoff is the first reconnect delay (default 1s).
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay (default 60s).
	MaxBackoff time.Duration

	// Logger for remote store activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Logger:         log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// writeResult is a server write resolution that has not yet been
// durably committed. Kept for re-delivery when the commit fails.
type writeResult struct {
	batchID  model.BatchID
	versions []model.SnapshotVersion
	rejected bool
	reason   string
}

// Store drives the watch and write streams for the primary client.
//
// All state transitions run on the scheduler; transport callbacks are
// re-serialized onto it before touching any field.
type Store struct {
	transport Transport
	local     *localstore.LocalStore
	sched     *scheduler.Scheduler
	callbacks SyncCallbacks
	config    *Config

	state         ConnectivityState
	networkPermit bool

	listenStates map[model.TargetID]TargetListenState
	listenTarget map[model.TargetID]model.Target
	sentBatches  map[model.BatchID]bool

	// accumulated watch changes since the last snapshot boundary
	accDocs    []model.Document
	accTargets map[model.TargetID]model.TargetChange

	// undelivered holds write results whose durable commit failed.
	// They are re-delivered, not dropped, on the next recovery pass;
	// re-sending a write whose rejection failed to persist is the
	// documented deviation point for future correctness work.
	undelivered []writeResult

	backoff time.Duration
}

// NewStore creates a remote store. callbacks must be set with
// SetCallbacks before EnableNetwork.
func NewStore(transport Transport, local *localstore.LocalStore, sched *scheduler.Scheduler, config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 60 * time.Second
	}

	s := &Store{
		transport:    transport,
		local:        local,
		sched:        sched,
		config:       config,
		state:        StateOffline,
		listenStates: make(map[model.TargetID]TargetListenState),
		listenTarget: make(map[model.TargetID]model.Target),
		sentBatches:  make(map[model.BatchID]bool),
		accTargets:   make(map[model.TargetID]model.TargetChange),
		backoff:      config.InitialBackoff,
	}
	transport.SetHandler(&transportBridge{store: s})
	return s
}

// SetCallbacks wires the upcall surface. Must be called before the
// network is enabled.
func (s *Store) SetCallbacks(cb SyncCallbacks) {
	s.callbacks = cb
}

// State returns the current connectivity state. Caller must be on the
// scheduler.
func (s *Store) State() ConnectivityState {
	return s.state
}

// EnableNetwork opens the streams if they are allowed and not already
// open. Caller must be on the scheduler.
func (s *Store) EnableNetwork(ctx context.Context) {
	s.networkPermit = true
	s.connect(ctx)
}

// DisableNetwork drops the streams and clears all network-side listen
// state. The durable registry is untouched; EnableNetwork re-sends
// every registered target with its stored resume token, resuming
// rather than restarting each query.
func (s *Store) DisableNetwork() {
	s.networkPermit = false
	s.sched.CancelAll(scheduler.TimerRemoteRetry)
	s.dropStreams()
}

// Listen puts a target on the wire. Caller must be on the scheduler.
func (s *Store) Listen(ctx context.Context, target model.Target) {
	s.listenTarget[target.ID] = target
	if s.state != StateOnline {
		s.listenStates[target.ID] = TargetNotListening
		return
	}

	s.listenStates[target.ID] = TargetPending
	if err := s.transport.SendListen(ctx, target); err != nil {
		s.config.Logger.Printf("Failed to send listen for target %d: %v", target.ID, err)
		s.handleStreamFailure(err)
	}
}

// Unlisten removes a target from the wire and from the network view.
func (s *Store) Unlisten(ctx context.Context, id model.TargetID) {
	delete(s.listenTarget, id)
	delete(s.listenStates, id)
	if s.state == StateOnline {
		if err := s.transport.SendUnlisten(ctx, id); err != nil {
			s.config.Logger.Printf("Failed to send unlisten for target %d: %v", id, err)
			s.handleStreamFailure(err)
		}
	}
}

// FillWritePipeline sends every pending batch that has not been sent
// on the current stream, in queue order.
func (s *Store) FillWritePipeline(ctx context.Context) {
	if s.state != StateOnline {
		return
	}
	for _, batch := range s.local.PendingBatches() {
		if s.sentBatches[batch.ID] {
			continue
		}
		s.sentBatches[batch.ID] = true
		if err := s.transport.SendWrite(ctx, batch); err != nil {
			s.config.Logger.Printf("Failed to send batch %d: %v", batch.ID, err)
			s.handleStreamFailure(err)
			return
		}
	}
}

// RedeliverResults retries the durable commit for every write result
// that failed to persist. Called from the recovery timer; results stay
// queued until a commit succeeds.
func (s *Store) RedeliverResults() {
	queued := s.undelivered
	s.undelivered = nil
	for i, res := range queued {
		if !s.deliverResult(res) {
			// Still failing; keep this and the rest for the next pass.
			s.undelivered = append(s.undelivered, queued[i:]...)
			return
		}
	}
}

// UndeliveredResults reports how many write resolutions are waiting
// for a durable commit.
func (s *Store) UndeliveredResults() int {
	return len(s.undelivered)
}

func (s *Store) connect(ctx context.Context) {
	if !s.networkPermit || s.state != StateOffline {
		return
	}

	s.setState(StateConnecting)
	if err := s.transport.Connect(ctx); err != nil {
		s.config.Logger.Printf("Connect failed: %v", err)
		s.setState(StateOffline)
		s.scheduleReconnect()
		return
	}

	s.setState(StateOnline)
	s.backoff = s.config.InitialBackoff

	// Resume every registered target from its stored token.
	targets, err := s.local.Registry().ActiveTargets(ctx)
	if err != nil {
		s.config.Logger.Printf("Failed to load targets for resume: %v", err)
	}
	for _, t := range targets {
		s.listenTarget[t.ID] = t
	}
	for id, t := range s.listenTarget {
		s.listenStates[id] = TargetPending
		if err := s.transport.SendListen(ctx, t); err != nil {
			s.config.Logger.Printf("Failed to resume target %d: %v", id, err)
			s.handleStreamFailure(err)
			return
		}
	}

	s.FillWritePipeline(ctx)
}

// dropStreams clears the network view of targets and writes.
func (s *Store) dropStreams() {
	if err := s.transport.Close(); err != nil {
		s.config.Logger.Printf("Error closing transport: %v", err)
	}
	s.listenStates = make(map[model.TargetID]TargetListenState)
	s.sentBatches = make(map[model.BatchID]bool)
	s.accDocs = nil
	s.accTargets = make(map[model.TargetID]model.TargetChange)
	s.local.ClearTargetCurrents()
	s.setState(StateOffline)
}

func (s *Store) setState(state ConnectivityState) {
	if s.state == state {
		return
	}
	s.state = state
	s.config.Logger.Printf("Connectivity: %s", state)
	if s.callbacks != nil {
		s.callbacks.HandleConnectivityChange(state)
	}
}

func (s *Store) handleStreamFailure(err error) {
	s.dropStreams()
	s.scheduleReconnect()
}

func (s *Store) scheduleReconnect() {
	if !s.networkPermit {
		return
	}
	delay := s.backoff
	s.backoff *= 2
	if s.backoff > s.config.MaxBackoff {
		s.backoff = s.config.MaxBackoff
	}
	s.config.Logger.Printf("Reconnecting in %v", delay)
	s.sched.RunDelayed(scheduler.TimerRemoteRetry, delay, func() {
		s.connect(context.Background())
	})
}

// handleWatchChange accumulates watch-stream events and applies a
// remote event at each snapshot boundary.
func (s *Store) handleWatchChange(change WatchChange) {
	if change.Document != nil {
		s.accDocs = append(s.accDocs, *change.Document)
	}

	ids := change.TargetIDs
	if len(ids) == 0 && (len(change.ResumeToken) > 0 || change.Current) {
		for id := range s.listenTarget {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		tc := s.accTargets[id]
		tc.TargetID = id
		if len(change.ResumeToken) > 0 {
			tc.ResumeToken = change.ResumeToken
		}
		if change.Current {
			tc.Current = true
			s.listenStates[id] = TargetAcked
		}
		s.accTargets[id] = tc
	}

	if change.SnapshotVersion == 0 {
		return
	}

	ev := model.RemoteEvent{
		SnapshotVersion: change.SnapshotVersion,
		TargetChanges:   s.accTargets,
		Documents:       s.accDocs,
	}
	s.accDocs = nil
	s.accTargets = make(map[model.TargetID]model.TargetChange)

	if err := s.callbacks.HandleRemoteEvent(ev); err != nil {
		if persistence.IsUnavailable(err) {
			// The snapshot could not be remembered; the resumed stream
			// will replay it once the store recovers.
			s.callbacks.HandlePersistenceFailure(err)
			return
		}
		s.config.Logger.Printf("Failed to apply remote event: %v", err)
	}
}

func (s *Store) handleWatchError(id model.TargetID, err error) {
	s.listenStates[id] = TargetErrored
	delete(s.listenTarget, id)
	s.callbacks.HandleRejectedListen(id, err)
}

func (s *Store) handleWriteResult(res writeResult) {
	delete(s.sentBatches, res.batchID)
	if !s.deliverResult(res) {
		s.undelivered = append(s.undelivered, res)
	}
}

// deliverResult commits a write resolution through the engine. False
// means the durable commit failed and the result must be retried.
func (s *Store) deliverResult(res writeResult) bool {
	var err error
	if res.rejected {
		err = s.callbacks.HandleFailedWrite(res.batchID, res.reason)
	} else {
		err = s.callbacks.HandleSuccessfulWrite(res.batchID, res.versions)
	}
	if err == nil {
		return true
	}
	if persistence.IsUnavailable(err) {
		s.callbacks.HandlePersistenceFailure(err)
		return false
	}
	s.config.Logger.Printf("Failed to resolve batch %d: %v", res.batchID, err)
	return true
}

func (s *Store) handleStreamClose(err error) {
	if s.state == StateOffline {
		return
	}
	s.config.Logger.Printf("Stream closed: %v", err)
	s.handleStreamFailure(fmt.Errorf("stream closed: %w", err))
}

// transportBridge re-serializes transport callbacks onto the
// scheduler before they touch store state.
type transportBridge struct {
	store *Store
}

func (b *transportBridge) OnWatchChange(change WatchChange) {
	b.store.sched.Run(func() { b.store.handleWatchChange(change) })
}

func (b *transportBridge) OnWatchError(id model.TargetID, err error) {
	b.store.sched.Run(func() { b.store.handleWatchError(id, err) })
}

func (b *transportBridge) OnWriteAck(id model.BatchID, versions []model.SnapshotVersion) {
	b.store.sched.Run(func() {
		b.store.handleWriteResult(writeResult{batchID: id, versions: versions})
	})
}

func (b *transportBridge) OnWriteError(id model.BatchID, reason string) {
	b.store.sched.Run(func() {
		b.store.handleWriteResult(writeResult{batchID: id, rejected: true, reason: reason})
	})
}

func (b *transportBridge) OnStreamClose(err error) {
	b.store.sched.Run(func() { b.store.handleStreamClose(err) })
}
