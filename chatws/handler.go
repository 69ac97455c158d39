// Package chatws serves the room chat WebSocket endpoint.
//
// A connection walks an explicit state machine. Authentication, profile
// resolution and room authorization all happen before the upgrade, so a
// rejected request never touches the broker. After the upgrade the
// connection joins the room's fan-out channel and then pumps frames until
// either side closes, at which point it leaves the channel exactly once.
package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/CGuiho/nante40-core/auth"
	"github.com/CGuiho/nante40-core/fanout"
	"github.com/CGuiho/nante40-core/internal/logctx"
	"github.com/CGuiho/nante40-core/rooms"
	"github.com/CGuiho/nante40-core/store"
)

// Route is the ServeMux pattern of the chat endpoint.
const Route = "GET /room/{uid}/chat"

// CloseSubscribeFailed is the close code sent when the room's channel could
// not be subscribed.
const CloseSubscribeFailed = 4500

var (
	jsonMediaType       = contenttype.NewMediaType("application/json")
	textMediaType       = contenttype.NewMediaType("text/plain")
	rejectionMediaTypes = []contenttype.MediaType{jsonMediaType, textMediaType}
)

// Limits bounds the resources of a single connection.
type Limits struct {
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
	// ReadLimit is the maximum inbound frame size in bytes.
	ReadLimit int64
	// SendQueue is the depth of the outbound broadcast queue. A connection
	// whose queue fills is dropped.
	SendQueue int
	// MaxContent is the maximum message length in runes.
	MaxContent int
	// Rate and Burst limit inbound chat messages.
	Rate  rate.Limit
	Burst int
	// OpTimeout bounds persisting and publishing one message.
	OpTimeout time.Duration
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		PongWait:   60 * time.Second,
		PingPeriod: 54 * time.Second,
		WriteWait:  10 * time.Second,
		ReadLimit:  8 << 10,
		SendQueue:  fanout.DefaultBuffer,
		MaxContent: 2000,
		Rate:       rate.Every(time.Second),
		Burst:      5,
		OpTimeout:  10 * time.Second,
	}
}

type Option func(*Handler)

// WithLogger sets the logger. Records are enriched with request and
// connection groups.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithRealm sets the realm of 401 challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) {
		if realm != "" {
			h.realm = realm
		}
	}
}

// WithLimits replaces the per-connection limits.
func WithLimits(l Limits) Option {
	return func(h *Handler) { h.limits = l }
}

// WithCheckOrigin sets the upgrade origin check. The default accepts only
// same-origin requests and requests without an Origin header.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// WithClock overrides the timestamp source of new messages.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// Handler serves Route.
type Handler struct {
	auth     *auth.Authenticator
	profiles *rooms.ProfileResolver
	authz    *rooms.Authorizer
	messages store.MessageStore
	fan      *fanout.Coordinator

	log      *slog.Logger
	realm    string
	limits   Limits
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.Mutex
	closing bool
	conns   map[*conn]struct{}
	wg      sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates the chat endpoint.
func NewHandler(
	a *auth.Authenticator,
	profiles *rooms.ProfileResolver,
	authz *rooms.Authorizer,
	messages store.MessageStore,
	fan *fanout.Coordinator,
	opts ...Option,
) *Handler {
	h := &Handler{
		auth:     a,
		profiles: profiles,
		authz:    authz,
		messages: messages,
		fan:      fan,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		realm:    auth.DefaultRealm,
		limits:   DefaultLimits(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		now:      func() time.Time { return time.Now().UTC() },
		conns:    make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	return h
}

// Register mounts the handler on mux under Route.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(Route, h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomUID := r.PathValue("uid")
	if roomUID == "" {
		http.NotFound(w, r)
		return
	}

	c := newConn(h, roomUID)
	cd := &logctx.ConnData{ConnID: c.id, RoomUID: roomUID, State: func() string { return c.sm.Current().String() }}
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	ctx = logctx.WithConnData(ctx, cd)
	r = r.WithContext(ctx)

	if !h.admit() {
		c.fail(ctx, errors.New("server shutting down"))
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	c.mustTo(ctx, Authenticating)
	id, err := h.auth.AuthenticateRequest(r)
	if err != nil {
		c.fail(ctx, err)
		if ch := auth.Challenge(h.realm, err); ch != nil {
			ch.Write(w)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	cd.UserUID = id.User.UID

	c.mustTo(ctx, Authorizing)
	profile, err := h.profiles.Resolve(ctx, id.User)
	if err != nil {
		c.fail(ctx, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	decision, err := h.authz.Authorize(ctx, roomUID, profile)
	if err != nil {
		c.fail(ctx, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !decision.Authorized() {
		c.fail(ctx, decision.Err)
		h.reject(w, r, decision)
		return
	}
	c.room, c.profile = decision.Room, profile

	c.mustTo(ctx, Joined)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		c.fail(ctx, err)
		return
	}
	c.ws = ws

	if !c.join(ctx) {
		return
	}
	h.track(c, true)
	defer h.track(c, false)
	c.run(ctx)
}

func (h *Handler) admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Handler) track(c *conn, add bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if add {
		h.conns[c] = struct{}{}
		if h.closing {
			c.shutdown()
		}
		return
	}
	delete(h.conns, c)
}

// Connections returns the number of active connections.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown stops accepting connections, asks every active connection to
// close and waits for them to leave their rooms or for ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for c := range h.conns {
		c.shutdown()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type rejection struct {
	Error    string `json:"error"`
	Redirect string `json:"redirect"`
}

// reject answers a denied authorization before any upgrade.
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, d rooms.Decision) {
	status := http.StatusForbidden
	if d.Kind == rooms.RoomNotFound {
		status = http.StatusNotFound
	}
	if d.Redirect != "" {
		w.Header().Set("Location", d.Redirect)
	}

	body := rejection{Error: d.Kind.String(), Redirect: d.Redirect}
	mt, _, err := contenttype.GetAcceptableMediaType(r, rejectionMediaTypes)
	if err == nil && mt.Type == textMediaType.Type && mt.Subtype == textMediaType.Subtype {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body.Error+" "+body.Redirect+"\n")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
