package httpapi

import (
	"context"
	"net/http"

	"github.com/you/chatwarden/internal/core"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleStream upgrades to a websocket and feeds the client every
// ActionDescriptor emitted from now on. Slow clients drop descriptors
// rather than applying backpressure to the evaluation path.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(baseWriter(w), r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.CORSOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ch := s.subscribe()
	if ch == nil {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer s.unsubscribe(ch)

	s.metrics.AddStreamClients(1)
	defer s.metrics.AddStreamClients(-1)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, d); err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribe() chan core.ActionDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	ch := make(chan core.ActionDescriptor, 256)
	s.clients[ch] = struct{}{}
	return ch
}

func (s *Server) unsubscribe(ch chan core.ActionDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients != nil {
		delete(s.clients, ch)
	}
}

// Emit implements core.ActionSink: every journaled descriptor is also
// fanned out to connected stream clients.
func (s *Server) Emit(_ context.Context, d core.ActionDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- d:
		default:
			// slow client: drop rather than stall
		}
	}
	return nil
}
