package admin

import (
	"sync"

	"github.com/gofiber/contrib/websocket"
)

type SocketID string

// Socket serializes writes; the push timer and the handler goroutine may
// write concurrently.
type Socket struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *Socket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(v)
}

func (s *Socket) Close() error {
	return s.ws.Close()
}

type SocketPool struct {
	mutex   sync.Mutex
	sockets map[SocketID]*Socket
}

func NewSocketPool() *SocketPool {
	return &SocketPool{
		sockets: make(map[SocketID]*Socket),
	}
}

// AddSocket registers conn, closing a previous socket from the same remote
// address.
func (p *SocketPool) AddSocket(conn *websocket.Conn) (SocketID, *Socket) {
	id := SocketID(conn.NetConn().RemoteAddr().String())
	soc := &Socket{ws: conn}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if old, ok := p.sockets[id]; ok {
		_ = old.Close()
	}
	p.sockets[id] = soc
	return id, soc
}

func (p *SocketPool) RemoveSocket(id SocketID, soc *Socket) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if cur, ok := p.sockets[id]; ok && cur == soc {
		delete(p.sockets, id)
	}
}

func (p *SocketPool) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.sockets)
}

func (p *SocketPool) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for id, soc := range p.sockets {
		_ = soc.Close()
		delete(p.sockets, id)
	}
}
