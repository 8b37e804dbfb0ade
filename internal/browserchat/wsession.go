package browserchat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

// WSSession drives a browser-automation sidecar over a websocket control
// channel. The sidecar holds the authenticated browser context; every
// ingestion request it performs carries that session's cookies and headers.
type WSSession struct {
	conn *websocket.Conn

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan envelope

	events chan []ObservedMessage

	closeOnce sync.Once
	readDone  chan struct{}
	stopRead  context.CancelFunc
}

// envelope is the control-channel frame, both directions.
type envelope struct {
	ID     int64  `json:"id,omitempty"`
	Method string `json:"method,omitempty"`
	Text   string `json:"text,omitempty"`

	Event       string            `json:"event,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Body        string            `json:"body,omitempty"`
	OK          bool              `json:"ok,omitempty"`
	Error       string            `json:"error,omitempty"`
	Messages    []ObservedMessage `json:"messages,omitempty"`
}

// DialSession connects to the sidecar's control endpoint. Header carries
// the operator-provided session materials for the sidecar to mirror.
func DialSession(ctx context.Context, endpoint string, header http.Header) (*WSSession, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, errors.Wrap(err, "dial session endpoint")
	}
	conn.SetReadLimit(8 << 20)

	readCtx, stopRead := context.WithCancel(context.Background())
	s := &WSSession{
		conn:     conn,
		pending:  make(map[int64]chan envelope),
		events:   make(chan []ObservedMessage, 64),
		readDone: make(chan struct{}),
		stopRead: stopRead,
	}
	go s.readLoop(readCtx)
	return s, nil
}

func (s *WSSession) readLoop(ctx context.Context) {
	defer close(s.readDone)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.failPending(err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Event == "dom.messages" {
			select {
			case s.events <- env.Messages:
			default:
				// slow consumer: drop the batch rather than stall the pump
			}
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[env.ID]
		if ok {
			delete(s.pending, env.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (s *WSSession) failPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- envelope{Error: err.Error()}
	}
}

func (s *WSSession) call(ctx context.Context, env envelope) (envelope, error) {
	select {
	case <-s.readDone:
		return envelope{}, ErrSessionClosed
	default:
	}

	s.mu.Lock()
	s.nextID++
	env.ID = s.nextID
	ch := make(chan envelope, 1)
	s.pending[env.ID] = ch
	s.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return envelope{}, err
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.mu.Lock()
		delete(s.pending, env.ID)
		s.mu.Unlock()
		return envelope{}, errors.Wrap(err, "write control frame")
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, env.ID)
		s.mu.Unlock()
		return envelope{}, ctx.Err()
	case <-s.readDone:
		// failPending may have already queued a response; prefer it
		select {
		case resp := <-ch:
			return resp, nil
		default:
			return envelope{}, ErrSessionClosed
		}
	case resp := <-ch:
		return resp, nil
	}
}

func (s *WSSession) FetchStream(ctx context.Context) (*StreamResponse, error) {
	resp, err := s.call(ctx, envelope{Method: "stream.fetch"})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.Errorf("stream fetch: %s", resp.Error)
	}
	return &StreamResponse{
		ContentType: resp.ContentType,
		Body:        io.NopCloser(strings.NewReader(resp.Body)),
	}, nil
}

func (s *WSSession) Observe(ctx context.Context) (Observer, error) {
	resp, err := s.call(ctx, envelope{Method: "dom.observe"})
	if err != nil {
		return nil, err
	}
	switch {
	case resp.Error == "no_container":
		return nil, ErrNoContainer
	case resp.Error != "":
		return nil, errors.Errorf("attach observer: %s", resp.Error)
	}
	return &wsObserver{session: s}, nil
}

func (s *WSSession) SubmitMessage(ctx context.Context, text string) error {
	resp, err := s.call(ctx, envelope{Method: "compose.submit", Text: text})
	if err != nil {
		return err
	}
	switch {
	case resp.Error == "no_composer":
		return ErrNoComposer
	case resp.Error != "":
		return errors.Errorf("submit: %s", resp.Error)
	case !resp.OK:
		return errors.New("submit: rejected")
	}
	return nil
}

func (s *WSSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopRead()
		err = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		<-s.readDone
	})
	return err
}

type wsObserver struct {
	session *WSSession
}

func (o *wsObserver) Next(ctx context.Context) ([]ObservedMessage, error) {
	// drain batches the pump queued before it died
	select {
	case msgs := <-o.session.events:
		return msgs, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-o.session.readDone:
		return nil, ErrSessionClosed
	case msgs := <-o.session.events:
		return msgs, nil
	}
}

func (o *wsObserver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := o.session.call(ctx, envelope{Method: "dom.disconnect"})
	return err
}
