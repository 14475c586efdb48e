// Package server runs the http listener and the long running components.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/netutil"
)

const shutdownTimeout = 10 * time.Second

// Runner runs until ctx is done, then notifies stopDoneNotifyC.
type Runner interface {
	Run(ctx context.Context, stopDoneNotifyC chan<- struct{})
}

type Conf struct {
	Addr string
	// MaxConns caps concurrent accepted connections, 0 is no cap.
	MaxConns int
	Handler  http.Handler
}

type Server struct {
	conf       Conf
	httpServer *http.Server
	lis        net.Listener
	runners    []Runner
}

func New(conf Conf, runners ...Runner) *Server {
	return &Server{
		conf:       conf,
		httpServer: &http.Server{Handler: conf.Handler, ReadHeaderTimeout: 10 * time.Second},
		runners:    runners,
	}
}

// Listen binds the address, so that errors surface before Run.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return fmt.Errorf("listen %s error: %w", s.conf.Addr, err)
	}
	if s.conf.MaxConns > 0 {
		lis = netutil.LimitListener(lis, s.conf.MaxConns)
	}
	s.lis = lis
	return nil
}

// Addr returns the bound address. Listen must have been called.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// Run serves until ctx is done, shuts down the http server, waits for every
// runner to stop and then notifies stopNotifyCh.
func (s *Server) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	glog.Infof("server is starting")

	go func() {
		glog.Infof("http server is listening %v", s.Addr())
		if err := s.httpServer.Serve(s.lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			err := fmt.Errorf("error serve http mux server: %v", err)
			glog.Error(err)
			panic(err)
		}
	}()

	stopDoneC := make(chan struct{}, len(s.runners))
	for _, r := range s.runners {
		go r.Run(ctx, stopDoneC)
	}

	<-ctx.Done()
	glog.Infof("server is stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("http server shutdown err: %v", err)
	}
	glog.Infof("server: http server shutdown done")

	for range s.runners {
		<-stopDoneC
	}
	glog.Infof("server: stopped")
	stopNotifyCh <- struct{}{}
}
