package server

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ytmaster/internal/download"
	"ytmaster/internal/events"
	"ytmaster/internal/logging"
	"ytmaster/internal/model"
)

const (
	wsSendBuffer = 256
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     allowedOrigin,
}

// allowedOrigin accepts non-browser clients, same-host pages and browser
// extensions; other web pages must not read the local download list.
func allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "chrome-extension", "moz-extension", "safari-web-extension":
		return true
	}
	return strings.EqualFold(u.Host, r.Host)
}

// streamMessage is what the event stream sends besides plain events.
type streamMessage struct {
	Type      string         `json:"type"`
	Downloads []model.Record `json:"downloads"`
	Stats     download.Stats `json:"stats"`
}

const (
	msgSnapshot = "snapshot"
	msgResync   = "resync"
)

// wsConn is one event stream subscriber. Events are buffered per
// connection; a client that falls behind loses events and gets a fresh
// snapshot instead, so a slow socket never holds up bus delivery.
type wsConn struct {
	ws   *websocket.Conn
	send chan events.Event

	mu     sync.Mutex
	lagged bool

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) enqueue(ev events.Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- ev:
	default:
		c.mu.Lock()
		c.lagged = true
		c.mu.Unlock()
	}
}

func (c *wsConn) takeLagged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lagged
	c.lagged = false
	return l
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	c := &wsConn{ws: ws, send: make(chan events.Event, wsSendBuffer), done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	// Subscribe before taking the snapshot so nothing falls in between;
	// clients drop events older than the snapshot by Seq if they care.
	unsubscribe := s.mgr.Events().Subscribe(c.enqueue)
	defer func() {
		unsubscribe()
		c.close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	go c.readPump()
	if err := c.writeMessage(s.snapshot(msgSnapshot)); err != nil {
		return
	}
	c.writePump(s)
}

func (s *Server) snapshot(typ string) streamMessage {
	return streamMessage{Type: typ, Downloads: s.mgr.Snapshot(), Stats: s.mgr.Stats()}
}

// readPump discards client frames and notices disconnects.
func (c *wsConn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			return
		}
	}
}

func (c *wsConn) writeMessage(v any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(v)
}

func (c *wsConn) writePump(s *Server) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			if c.takeLagged() {
				// Drain what is buffered; the snapshot supersedes it.
				for len(c.send) > 0 {
					<-c.send
				}
				if err := c.writeMessage(s.snapshot(msgResync)); err != nil {
					return
				}
				continue
			}
			if err := c.writeMessage(ev); err != nil {
				logging.With("remote", c.ws.RemoteAddr().String()).Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
