package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/golang/glog"

	"github.com/mqy/minichat/relay"
)

const maxBodyBytes = 8 * 1024

// Handler serves the HTTP endpoints over the core.
type Handler struct {
	core     *relay.Core
	validate *validator.Validate
}

func NewHandler(core *relay.Core) *Handler {
	v := validator.New()
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	// Report fields by the names clients use.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("query"); name != "" {
			return name
		}
		if name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return f.Name
	})
	return &Handler{core: core, validate: v}
}

type chatMessagesQuery struct {
	EventId     int64  `query:"eventId" validate:"gt=0"`
	MyUserId    int64  `query:"myUserId" validate:"gt=0"`
	OtherSideId *int64 `query:"otherSideId" validate:"omitempty,gt=0"`
}

type userQuery struct {
	EventId  int64 `query:"eventId" validate:"gt=0"`
	MyUserId int64 `query:"myUserId" validate:"gt=0"`
}

type sinceQuery struct {
	EventId     int64 `query:"eventId" validate:"gt=0"`
	MyUserId    int64 `query:"myUserId" validate:"gt=0"`
	OtherSideId int64 `query:"otherSideId" validate:"gt=0"`
	AfterId     int64 `query:"afterId" validate:"gte=0"`
}

type registerTokenReq struct {
	UserId int64  `json:"UserId" validate:"gt=0"`
	Token  string `json:"Token" validate:"notblank,max=4096"`
}

// GetChatMessages handles GET /Chat/getChatMessages?eventId&myUserId[&otherSideId].
func (h *Handler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	p := params{values: r.URL.Query()}
	q := chatMessagesQuery{
		EventId:     p.required("eventId"),
		MyUserId:    p.required("myUserId"),
		OtherSideId: p.optional("otherSideId"),
	}
	if !h.check(w, &p, &q) {
		return
	}

	msgs, err := h.core.History(r.Context(), q.EventId, q.MyUserId, q.OtherSideId)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(msgs))
}

// GetUnReadMessagesCountForEvent handles GET /Chat/GetUnReadMessagesCountForEvent?eventId&myUserId.
func (h *Handler) GetUnReadMessagesCountForEvent(w http.ResponseWriter, r *http.Request) {
	p := params{values: r.URL.Query()}
	q := userQuery{
		EventId:  p.required("eventId"),
		MyUserId: p.required("myUserId"),
	}
	if !h.check(w, &p, &q) {
		return
	}

	counts, err := h.core.UnreadBySender(r.Context(), q.EventId, q.MyUserId)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(counts))
}

// GetMyConversations handles GET /Chat/GetMyConversations?eventId&myUserId.
func (h *Handler) GetMyConversations(w http.ResponseWriter, r *http.Request) {
	p := params{values: r.URL.Query()}
	q := userQuery{
		EventId:  p.required("eventId"),
		MyUserId: p.required("myUserId"),
	}
	if !h.check(w, &p, &q) {
		return
	}

	convs, err := h.core.Conversations(r.Context(), q.EventId, q.MyUserId)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(convs))
}

// GetMessagesSince handles GET /Chat/GetMessagesSince?eventId&myUserId&otherSideId&afterId.
func (h *Handler) GetMessagesSince(w http.ResponseWriter, r *http.Request) {
	p := params{values: r.URL.Query()}
	q := sinceQuery{
		EventId:     p.required("eventId"),
		MyUserId:    p.required("myUserId"),
		OtherSideId: p.required("otherSideId"),
		AfterId:     p.required("afterId"),
	}
	if !h.check(w, &p, &q) {
		return
	}

	msgs, err := h.core.Since(r.Context(), q.EventId, q.MyUserId, q.OtherSideId, q.AfterId)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(msgs))
}

// RegisterToken handles POST /Push/RegisterToken {"UserId", "Token"}.
func (h *Handler) RegisterToken(w http.ResponseWriter, r *http.Request) {
	var req registerTokenReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if !h.check(w, &params{}, &req) {
		return
	}

	if err := h.core.RegisterToken(r.Context(), req.UserId, req.Token); err != nil {
		internalError(w, r, err)
		return
	}
	glog.V(5).Infof("push token registered, uid: %d", req.UserId)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type healthResponse struct {
	Status string `json:"status"`
	relay.Stats
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &healthResponse{Status: "ok", Stats: h.core.Stats()})
}

// check writes 400 and returns false if parsing or validation of v failed.
func (h *Handler) check(w http.ResponseWriter, p *params, v interface{}) bool {
	if len(p.errs) > 0 {
		writeError(w, http.StatusBadRequest, strings.Join(p.errs, "; "))
		return false
	}

	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, err.Error())
			return false
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			if fe.Param() != "" {
				msgs = append(msgs, fmt.Sprintf("%s: failed on '%s=%s'", fe.Field(), fe.Tag(), fe.Param()))
			} else {
				msgs = append(msgs, fmt.Sprintf("%s: failed on '%s'", fe.Field(), fe.Tag()))
			}
		}
		writeError(w, http.StatusBadRequest, strings.Join(msgs, "; "))
		return false
	}
	return true
}

// params parses integer query parameters, collecting errors.
type params struct {
	values url.Values
	errs   []string
}

func (p *params) required(name string) int64 {
	s := p.values.Get(name)
	if s == "" {
		p.errs = append(p.errs, name+": required")
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.errs = append(p.errs, name+": should be an integer")
		return 0
	}
	return v
}

func (p *params) optional(name string) *int64 {
	if p.values.Get(name) == "" {
		return nil
	}
	v := p.required(name)
	return &v
}

func items[T any](v []T) map[string][]T {
	if v == nil {
		v = []T{}
	}
	return map[string][]T{"items": v}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		glog.Errorf("write json response err: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	glog.Errorf("%s %s err: %v", r.Method, r.URL.Path, err)
	writeError(w, http.StatusInternalServerError, "temp storage error")
}
