package authority

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/pkg/schema"
)

const writeWait = 5 * time.Second

// Broadcaster fans push notifications out to every connected WebSocket
// client.
type Broadcaster struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*peer]struct{}
}

// peer serialises writes to one connection; gorilla allows a single
// concurrent writer.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.OrDefault(logger),
		conns:  make(map[*peer]struct{}),
	}
}

// ServeHTTP upgrades the request and holds the connection until the client
// goes away. Inbound messages are discarded.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("push upgrade failed", "error", err)
		return
	}
	p := &peer{conn: conn}
	b.mu.Lock()
	b.conns[p] = struct{}{}
	b.mu.Unlock()
	b.logger.Debug("push client connected", "remote", r.RemoteAddr)

	defer b.drop(p)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast writes note to every client. Clients that fail the write are
// dropped.
func (b *Broadcaster) Broadcast(ctx context.Context, note schema.PushNotification) {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.conns))
	for p := range b.conns {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		p.mu.Lock()
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := p.conn.WriteJSON(note)
		p.mu.Unlock()
		if err != nil {
			b.logger.WarnContext(ctx, "push write failed, dropping client", "error", err)
			b.drop(p)
		}
	}
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	peers := b.conns
	b.conns = make(map[*peer]struct{})
	b.mu.Unlock()
	for p := range peers {
		p.mu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		p.mu.Unlock()
		p.conn.Close()
	}
}

func (b *Broadcaster) drop(p *peer) {
	b.mu.Lock()
	_, ok := b.conns[p]
	delete(b.conns, p)
	b.mu.Unlock()
	if ok {
		p.conn.Close()
	}
}
