package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/relay"
)

type Conf struct {
	// MaxMsgSize is the max size of a client frame.
	MaxMsgSize int64
	// SendQueue is the capacity of a session's outgoing frame queue.
	SendQueue int
}

// Hub works as a hub that manages and serves sessions.
type Hub struct {
	core     *relay.Core
	conf     Conf
	eventApi *EventApi
	hstore   *HandlerStore
	online   atomic.Bool
}

// NewHub creates a `Hub`.
func NewHub(core *relay.Core, conf Conf) *Hub {
	if conf.MaxMsgSize <= 0 {
		conf.MaxMsgSize = readLimit
	}
	if conf.SendQueue <= 0 {
		conf.SendQueue = sendQueue
	}
	h := &Hub{
		core:     core,
		conf:     conf,
		eventApi: NewApi(core),
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
	}
	h.online.Store(true)
	return h
}

// Run waits for ctx, then closes all sessions and notifies stopDoneNotifyC.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	<-ctx.Done()
	h.online.Store(false)

	glog.Infof("close connections, sessions: %d ...", h.Len())
	h.hstore.close()
	glog.Infof("close connections done")
	stopDoneNotifyC <- struct{}{}
}

// Len returns the number of local sessions.
func (h *Hub) Len() int {
	return h.hstore.len()
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.online.Load() {
		http.Error(w, "This node is shutting down", http.StatusServiceUnavailable)
		return
	}

	info := &SessionInfo{
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, ip: %s, err: %s", info.Ip, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		dataChan: make(chan *SessionData, h.conf.SendQueue),
		info:     info,
		conn:     conn,
		eventApi: h.eventApi,
		hub:      h,
	}
	handler.sess = h.core.Connect(handler)

	if !h.hstore.add(handler) {
		// Run has already closed the store.
		handler.close(ServerStop)
		return
	}
	glog.V(5).Infof("session opened: %s", handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) delHandler(sid string) {
	h.hstore.del(sid)
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = strings.TrimSpace(x)
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
