package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/relay"
	"github.com/mqy/minichat/wire"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	BadRequest   SessionError = 4
	ServerStop   SessionError = 5
	SlowConsumer SessionError = 6
)

func (e SessionError) closeCode() int {
	switch e {
	case BadRequest:
		return websocket.ClosePolicyViolation
	case ServerStop:
		return websocket.CloseGoingAway
	case SlowConsumer:
		return websocket.CloseTryAgainLater
	}
	return websocket.CloseNormalClosure
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// default websocket max message size to read.
	readLimit = 4096

	// default capacity of the outgoing frame queue.
	sendQueue = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Any origin, the chat is served to browsers from other hosts.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionInfo describes the connection, for logging.
type SessionInfo struct {
	Sid        string `json:"sid"`
	Ip         string `json:"ip"`
	CreateTime int64  `json:"create_time"`
}

// Handler managers an active connection to end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	eventApi *EventApi
	hub      *Hub

	info *SessionInfo
	sess *relay.Session
	conn *websocket.Conn

	dataChan chan *SessionData
	closing  bool
	// dropping is set by the first overflow, which alone schedules the close.
	dropping bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError    `json:"error,omitempty"`
	ServerMsg *wire.ServerMsg `json:"resp,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.info)
	return string(out)
}

// Sid implements `relay.Conn`.
func (h *Handler) Sid() string {
	return h.info.Sid
}

// Deliver implements `relay.Conn`. It is called with the core lock held, so a
// full queue closes the handler from another goroutine.
func (h *Handler) Deliver(m *wire.ServerMsg) bool {
	return h.enqueue(&SessionData{ServerMsg: m})
}

// enqueue never blocks. A full queue means the peer doesn't read fast enough.
func (h *Handler) enqueue(v *SessionData) bool {
	h.Lock()
	if h.closing || h.dropping {
		h.Unlock()
		return false
	}
	select {
	case h.dataChan <- v:
		h.Unlock()
		return true
	default:
	}
	h.dropping = true
	h.Unlock()

	metrics.SlowConsumers.Inc()
	glog.Errorf("send queue full, closing session: %s", h)
	go h.close(SlowConsumer)
	return false
}

// close is idempotent. The handler lock is released before calling into the
// core or the hub, since the core holds its own lock while delivering.
func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	h.closing = true
	close(h.dataChan)
	h.Unlock()

	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(cause.closeCode(), ""), time.Now().Add(writeWait))
	h.conn.Close()

	h.hub.core.Disconnect(h.sess)

	glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
	if cause != ServerStop {
		// Ask for hub to remove this handler.
		h.hub.delHandler(h.info.Sid)
	}
}

func sendServerMsg(conn *websocket.Conn, msg *wire.ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(h.hub.conf.MaxMsgSize)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Errorf("recvLoop(): read error: %v, session: %s", err, h)
			}
			h.close(ReadError)
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.enqueue(&SessionData{ServerMsg: &wire.ServerMsg{
				Error: newInvalidArgumentError(nil, "websocket only supports TextMessage"),
			}})
			h.enqueue(&SessionData{Error: BadRequest})
			return
		}

		req := wire.ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.enqueue(&SessionData{ServerMsg: &wire.ServerMsg{
				Error: newInvalidArgumentError(nil, fmt.Sprintf("unmarshal error: %v", err)),
			}})
			h.enqueue(&SessionData{Error: BadRequest})
			return
		}

		var done *wire.Completion
		var werr *wire.Error

		if v := req.RegisterUser; v != nil {
			done, werr = h.eventApi.RegisterUser(h.sess, v)
		} else if v := req.SendMessage; v != nil {
			done, werr = h.eventApi.SendMessage(context.Background(), h.sess, v)
		} else if v := req.DeleteUnReadMessages; v != nil {
			done, werr = h.eventApi.DeleteUnReadMessages(context.Background(), h.sess, v)
		} else {
			glog.Errorf("recvLoop(): unsupported request: %s", string(msg))
			h.enqueue(&SessionData{ServerMsg: &wire.ServerMsg{
				Error: newInvalidArgumentError(&req, "unsupported request"),
			}})
			h.enqueue(&SessionData{Error: BadRequest})
			return
		}

		if werr != nil {
			glog.V(5).Infof("recvLoop(): request error: %+v, session: %s", werr, h)
			interceptError(werr)
			werr.InvocationId = req.InvocationId
			h.enqueue(&SessionData{ServerMsg: &wire.ServerMsg{Error: werr}})
			continue
		}
		done.InvocationId = req.InvocationId
		h.enqueue(&SessionData{ServerMsg: &wire.ServerMsg{Completion: done}})
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h)
				return
			}

			if glog.V(5) {
				dataJson, _ := json.Marshal(v)
				logValue := string(dataJson)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h)
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
