package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/raniellyferreira/localfirst-replica/frontend"
)

const writeWait = 10 * time.Second

// origins are checked by the cors middleware
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// ClientMessage is what a websocket client sends
type ClientMessage struct {
	Type  string        `json:"type"` // "edit" or "ping"
	Edits []EditRequest `json:"edits,omitempty"`
}

// ServerMessage is what the websocket pushes. Type is "state" for changes
// of the replica, "applied" for the reply to an edit, "pong" or "error".
type ServerMessage struct {
	Type  string          `json:"type"`
	State *frontend.State `json:"state,omitempty"`
	Error string          `json:"error,omitempty"`
}

type streamConn struct {
	ws      *websocket.Conn
	replica string
	send    chan ServerMessage
	closed  chan struct{}
	logger  Logger
}

func (a *api) stream(c *gin.Context) {
	name := c.Param("name")
	ed, ok := a.editor(c)
	if !ok {
		return
	}
	updates, cancel, err := a.ws.Watch(name)
	if err != nil {
		a.fail(c, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Error("Websocket upgrade failed", "replica", name, "error", err)
		return
	}
	defer conn.Close()

	sc := &streamConn{
		ws:      conn,
		replica: name,
		send:    make(chan ServerMessage, 32),
		closed:  make(chan struct{}),
		logger:  a.logger,
	}
	a.logger.Info("Websocket client connected", "replica", name, "remote", c.Request.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc.writeLoop(updates)
	}()

	ctx := c.Request.Context()
	if st, err := ed.State(ctx); err == nil {
		sc.enqueue(ServerMessage{Type: "state", State: &st})
	}
	sc.readLoop(ctx, ed, a.timeout)

	close(sc.send)
	wg.Wait()
	a.logger.Info("Websocket client disconnected", "replica", name)
}

// enqueue hands msg to the write loop. It returns false once the write loop
// ended.
func (sc *streamConn) enqueue(msg ServerMessage) bool {
	select {
	case sc.send <- msg:
		return true
	case <-sc.closed:
		return false
	}
}

func (sc *streamConn) readLoop(ctx context.Context, ed *frontend.Editor, timeout time.Duration) {
	for {
		var msg ClientMessage
		if err := sc.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sc.logger.Debug("Websocket read ended", "replica", sc.replica, "error", err)
			}
			return
		}

		var reply ServerMessage
		switch msg.Type {
		case "ping":
			reply = ServerMessage{Type: "pong"}
		case "edit":
			reply = sc.applyEdits(ctx, ed, msg.Edits, timeout)
		default:
			reply = ServerMessage{Type: "error", Error: "unknown message type " + msg.Type}
		}
		if !sc.enqueue(reply) {
			return
		}
	}
}

func (sc *streamConn) applyEdits(ctx context.Context, ed *frontend.Editor, reqs []EditRequest, timeout time.Duration) ServerMessage {
	edits, err := toEdits(reqs)
	if err != nil {
		return ServerMessage{Type: "error", Error: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st, err := ed.Edit(ctx, edits...)
	if err != nil {
		return ServerMessage{Type: "error", Error: err.Error()}
	}
	return ServerMessage{Type: "applied", State: &st}
}

// writeLoop is the only writer of the connection
func (sc *streamConn) writeLoop(updates <-chan frontend.State) {
	defer close(sc.closed)
	// unblocks the read loop when writing fails
	defer sc.ws.Close()

	for {
		var msg ServerMessage
		select {
		case m, ok := <-sc.send:
			if !ok {
				sc.closeWith(websocket.CloseNormalClosure, "")
				return
			}
			msg = m
		case st, ok := <-updates:
			if !ok {
				sc.closeWith(websocket.CloseGoingAway, "session closed")
				return
			}
			msg = ServerMessage{Type: "state", State: &st}
		}

		sc.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sc.ws.WriteJSON(msg); err != nil {
			sc.logger.Debug("Websocket write failed", "replica", sc.replica, "error", err)
			return
		}
	}
}

func (sc *streamConn) closeWith(code int, text string) {
	_ = sc.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
}
