package ws

import (
	"context"
	"errors"

	"github.com/mqy/minichat/relay"
	"github.com/mqy/minichat/wire"
)

const (
	ErrorCodeInvalidArguments   = 3
	ErrorCodeFailedPrecondition = 9
	ErrorCodeInternal           = 13
	ErrorCodeUnauthenticated    = 16
)

// EventApi serves websocket client requests of one session.
type EventApi struct {
	core *relay.Core
}

func NewApi(core *relay.Core) *EventApi {
	return &EventApi{core: core}
}

func (a *EventApi) RegisterUser(sess *relay.Session, req *wire.RegisterUserReq) (*wire.Completion, *wire.Error) {
	var errs []string
	if req.EventId <= 0 {
		errs = append(errs, "event_id: should be positive integer")
	}
	if req.UserId <= 0 {
		errs = append(errs, "user_id: should be positive integer")
	}
	if len(errs) > 0 {
		return nil, newInvalidArgumentError(&wire.ClientMsg{RegisterUser: req}, errs...)
	}

	if err := a.core.RegisterUser(sess, req.EventId, req.UserId); err != nil {
		return nil, newCoreError(&wire.ClientMsg{RegisterUser: req}, err)
	}
	return &wire.Completion{}, nil
}

func (a *EventApi) SendMessage(ctx context.Context, sess *relay.Session, req *wire.SendMessageReq) (*wire.Completion, *wire.Error) {
	var errs []string
	if req.EventId <= 0 {
		errs = append(errs, "event_id: should be positive integer")
	}
	if req.ReceiverId <= 0 {
		errs = append(errs, "receiver_id: should be positive integer")
	}
	if len(errs) > 0 {
		return nil, newInvalidArgumentError(&wire.ClientMsg{SendMessage: req}, errs...)
	}

	m, err := a.core.SendMessage(ctx, sess, req.EventId, req.ReceiverId, req.Text)
	if err != nil {
		return nil, newCoreError(&wire.ClientMsg{SendMessage: req}, err)
	}
	return &wire.Completion{MessageId: m.Id}, nil
}

func (a *EventApi) DeleteUnReadMessages(ctx context.Context, sess *relay.Session, req *wire.DeleteUnReadMessagesReq) (*wire.Completion, *wire.Error) {
	for _, id := range req.Ids {
		if id <= 0 {
			return nil, newInvalidArgumentError(&wire.ClientMsg{DeleteUnReadMessages: req}, "ids: should be positive integers")
		}
	}

	n, err := a.core.DeleteUnReadMessages(ctx, sess, req.Ids)
	if err != nil {
		return nil, newCoreError(&wire.ClientMsg{DeleteUnReadMessages: req}, err)
	}
	return &wire.Completion{Changed: n}, nil
}

func newInvalidArgumentError(req *wire.ClientMsg, errs ...string) *wire.Error {
	return &wire.Error{
		Code:   ErrorCodeInvalidArguments,
		Params: errs,
		Req:    req,
	}
}

func newInternalError(req *wire.ClientMsg, err string) *wire.Error {
	return &wire.Error{
		Code:   ErrorCodeInternal,
		Params: []string{err},
		Req:    req,
	}
}

func newCoreError(req *wire.ClientMsg, err error) *wire.Error {
	switch {
	case errors.Is(err, relay.ErrUnauthorized):
		return &wire.Error{Code: ErrorCodeUnauthenticated, Params: []string{err.Error()}, Req: req}
	case errors.Is(err, relay.ErrDisconnected):
		return &wire.Error{Code: ErrorCodeFailedPrecondition, Params: []string{err.Error()}, Req: req}
	}
	return newInternalError(req, err.Error())
}

// interceptError hides internal details from the client.
func interceptError(err *wire.Error) {
	if err.Code == ErrorCodeInternal {
		err.Params = []string{"temp storage error"}
	}
}
