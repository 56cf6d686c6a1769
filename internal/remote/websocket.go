package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/usedtobeme/docsync/internal/model"
)

// frameType tags the JSON frames exchanged with the backend.
type frameType string

const (
	frameListen   frameType = "listen"
	frameUnlisten frameType = "unlisten"
	frameWrite    frameType = "write"

	frameChange      frameType = "change"
	frameListenError frameType = "listen_error"
	frameWriteAck    frameType = "write_ack"
	frameWriteError  frameType = "write_error"
)

// wireFrame is the JSON envelope for both directions of the stream.
type wireFrame struct {
	Type frameType `json:"type"`

	// Client -> server
	TargetID    model.TargetID   `json:"target_id,omitempty"`
	Query       *model.Query     `json:"query,omitempty"`
	ResumeToken []byte           `json:"resume_token,omitempty"`
	BatchID     model.BatchID    `json:"batch_id,omitempty"`
	Mutations   []model.Mutation `json:"mutations,omitempty"`

	// Server -> client
	TargetIDs       []model.TargetID        `json:"target_ids,omitempty"`
	Document        *model.Document         `json:"document,omitempty"`
	Current         bool                    `json:"current,omitempty"`
	SnapshotVersion model.SnapshotVersion   `json:"snapshot_version,omitempty"`
	ResultVersions  []model.SnapshotVersion `json:"result_versions,omitempty"`
	ErrorMessage    string                  `json:"error,omitempty"`
}

// WebSocketTransport speaks the listen/write protocol over one
// WebSocket connection.
type WebSocketTransport struct {
	url    string
	logger *log.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	handler TransportHandler
	wg      sync.WaitGroup
}

// NewWebSocketTransport creates a transport dialing the given URL.
// If logger is nil a default stderr logger is used.
func NewWebSocketTransport(url string, logger *log.Logger) *WebSocketTransport {
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &WebSocketTransport{url: url, logger: logger}
}

// SetHandler implements Transport.
func (t *WebSocketTransport) SetHandler(h TransportHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Connect implements Transport.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handler == nil {
		return fmt.Errorf("transport handler not set")
	}
	if t.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", t.url, err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	t.conn = conn
	t.cancel = readCancel

	t.wg.Add(1)
	go t.readLoop(readCtx, conn)

	t.logger.Printf("Connected to %s", t.url)
	return nil
}

// Close implements Transport.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	t.conn = nil
	t.cancel = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	t.wg.Wait()
	return nil
}

// SendListen implements Transport.
func (t *WebSocketTransport) SendListen(ctx context.Context, target model.Target) error {
	query := target.Query
	return t.send(ctx, wireFrame{
		Type:        frameListen,
		TargetID:    target.ID,
		Query:       &query,
		ResumeToken: target.ResumeToken,
	})
}

// SendUnlisten implements Transport.
func (t *WebSocketTransport) SendUnlisten(ctx context.Context, targetID model.TargetID) error {
	return t.send(ctx, wireFrame{Type: frameUnlisten, TargetID: targetID})
}

// SendWrite implements Transport.
func (t *WebSocketTransport) SendWrite(ctx context.Context, batch model.MutationBatch) error {
	return t.send(ctx, wireFrame{
		Type:      frameWrite,
		BatchID:   batch.ID,
		Mutations: batch.Mutations,
	})
}

func (t *WebSocketTransport) send(ctx context.Context, f wireFrame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("transport not connected")
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", f.Type, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", f.Type, err)
	}
	return nil
}

// readLoop dispatches server frames to the handler until the
// connection drops.
func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()

	handler := t.currentHandler()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				handler.OnStreamClose(err)
			}
			return
		}

		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Printf("Dropping malformed frame: %v", err)
			continue
		}

		switch f.Type {
		case frameChange:
			handler.OnWatchChange(WatchChange{
				TargetIDs:       f.TargetIDs,
				Document:        f.Document,
				ResumeToken:     f.ResumeToken,
				Current:         f.Current,
				SnapshotVersion: f.SnapshotVersion,
			})
		case frameListenError:
			handler.OnWatchError(f.TargetID, fmt.Errorf("listen rejected: %s", f.ErrorMessage))
		case frameWriteAck:
			handler.OnWriteAck(f.BatchID, f.ResultVersions)
		case frameWriteError:
			handler.OnWriteError(f.BatchID, f.ErrorMessage)
		default:
			t.logger.Printf("Dropping frame with unknown type %q", f.Type)
		}
	}
}

func (t *WebSocketTransport) currentHandler() TransportHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}
