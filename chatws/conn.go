package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/CGuiho/nante40-core/fanout"
	"github.com/CGuiho/nante40-core/store"
)

// Error frame codes.
const (
	CodeInvalidMessage    = "invalid-message"
	CodeRateLimited       = "rate-limited"
	CodePersistenceFailed = "persistence-failed"
	CodePublishFailed     = string(fanout.OpPublish)
)

// errorQueue is the depth of the sender-only error frame queue.
const errorQueue = 16

type inbound struct {
	Content *string `json:"content"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type conn struct {
	h       *Handler
	id      string
	roomUID string
	channel string
	sm      machine

	ws      *websocket.Conn
	room    *store.Room
	profile *store.Profile
	sub     *fanout.Subscription
	limiter *rate.Limiter

	errs      chan []byte
	readDone  chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	leaveOnce sync.Once
}

func newConn(h *Handler, roomUID string) *conn {
	return &conn{
		h:        h,
		id:       uuid.NewString(),
		roomUID:  roomUID,
		channel:  fanout.RoomChannel(roomUID),
		limiter:  rate.NewLimiter(h.limits.Rate, h.limits.Burst),
		errs:     make(chan []byte, errorQueue),
		readDone: make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// mustTo applies a transition the handler flow guarantees. A rejection is a
// bug and is logged loudly.
func (c *conn) mustTo(ctx context.Context, s State) {
	if err := c.sm.To(s); err != nil {
		c.h.log.ErrorContext(ctx, "chatws.state.invalid", slog.String("err", err.Error()))
	}
}

// fail moves the connection to Error and logs the cause at the level its
// kind deserves.
func (c *conn) fail(ctx context.Context, cause error) {
	from := c.sm.Current()
	c.mustTo(ctx, Error)
	attrs := []any{slog.String("from", from.String())}
	if cause != nil {
		attrs = append(attrs, slog.String("err", cause.Error()))
	}
	switch from {
	case Authenticating, Authorizing, Connecting:
		c.h.log.WarnContext(ctx, "chatws.rejected", attrs...)
	default:
		c.h.log.ErrorContext(ctx, "chatws.failed", attrs...)
	}
}

func (c *conn) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// join subscribes the connection locally and then takes a reference on the
// room's channel. The local subscription comes first so that nothing the
// broker delivers after the join is missed.
func (c *conn) join(ctx context.Context) bool {
	topics := c.h.fan.Topics()
	c.sub = topics.Subscribe(c.channel, c.h.limits.SendQueue)

	if err := c.h.fan.JoinRoom(ctx, c.channel); err != nil {
		topics.Unsubscribe(c.sub)
		c.fail(ctx, err)
		c.closeWith(CloseSubscribeFailed, "subscribe failed")
		_ = c.ws.Close()
		return false
	}
	c.mustTo(ctx, Active)
	c.h.log.InfoContext(ctx, "chatws.joined")
	return true
}

// run pumps frames until the connection ends and then leaves the room.
func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writePump(ctx)
	}()

	c.readPump(ctx)
	close(c.readDone)
	c.leave(ctx)
	<-writeDone
}

// leave releases the room exactly once.
func (c *conn) leave(ctx context.Context) {
	c.leaveOnce.Do(func() {
		c.mustTo(ctx, Leaving)
		c.h.fan.Topics().Unsubscribe(c.sub)
		c.h.fan.LeaveRoom(c.channel)
		c.mustTo(ctx, Closed)
		c.h.log.InfoContext(ctx, "chatws.left")
	})
}

func (c *conn) readPump(ctx context.Context) {
	defer func() { _ = c.ws.Close() }()

	c.ws.SetReadLimit(c.h.limits.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.h.limits.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.h.limits.PongWait))
	})

	for {
		typ, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(ctx, err)
			return
		}
		if typ != websocket.TextMessage {
			c.sendError(ctx, CodeInvalidMessage, "only text frames are accepted")
			continue
		}
		c.handleMessage(ctx, raw)
	}
}

func (c *conn) logReadError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.h.log.WarnContext(ctx, "chatws.read.too_large", slog.Int64("limit", c.h.limits.ReadLimit))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.h.log.DebugContext(ctx, "chatws.read.closed", slog.String("err", err.Error()))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.h.log.DebugContext(ctx, "chatws.read.eof", slog.String("err", err.Error()))
	default:
		c.h.log.WarnContext(ctx, "chatws.read.fail", slog.String("err", err.Error()))
	}
}

// handleMessage validates, rate limits, persists and publishes one frame.
// Persistence always completes before publish.
func (c *conn) handleMessage(ctx context.Context, raw []byte) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Content == nil {
		c.sendError(ctx, CodeInvalidMessage, `expected {"content": string}`)
		return
	}
	if n := utf8.RuneCountInString(*in.Content); n == 0 || n > c.h.limits.MaxContent {
		c.sendError(ctx, CodeInvalidMessage, fmt.Sprintf("content must be between 1 and %d characters", c.h.limits.MaxContent))
		return
	}
	if !c.limiter.Allow() {
		c.sendError(ctx, CodeRateLimited, "too many messages")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.h.limits.OpTimeout)
	defer cancel()

	msg, err := c.h.messages.InsertChatMessage(opCtx, store.ChatMessage{
		RoomID:    c.room.ID,
		RoomUID:   c.room.UID,
		ProfileID: c.profile.ID,
		Content:   *in.Content,
		CreatedAt: c.h.now(),
	})
	if err != nil {
		c.h.log.ErrorContext(ctx, "chatws.persist.fail", slog.String("err", err.Error()))
		c.sendError(ctx, CodePersistenceFailed, "message could not be saved")
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		c.h.log.ErrorContext(ctx, "chatws.encode.fail", slog.String("err", err.Error()))
		c.sendError(ctx, CodePublishFailed, "message saved but not delivered")
		return
	}
	if err := c.h.fan.PublishToRoom(opCtx, c.channel, payload); err != nil {
		c.h.log.ErrorContext(ctx, "chatws.publish.fail", slog.String("message", msg.UID), slog.String("err", err.Error()))
		c.sendError(ctx, CodePublishFailed, "message saved but not delivered")
		return
	}
	c.h.log.DebugContext(ctx, "chatws.published", slog.String("message", msg.UID))
}

// sendError queues an error frame for this connection only. Frames are
// dropped when the queue is full.
func (c *conn) sendError(ctx context.Context, code, message string) {
	b, _ := json.Marshal(errorFrame{Type: "error", Code: code, Message: message})
	select {
	case c.errs <- b:
	default:
		c.h.log.WarnContext(ctx, "chatws.error_frame.dropped", slog.String("code", code))
	}
}

func (c *conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.h.limits.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.sub.C():
			if !ok {
				if c.h.fan.Topics().Overflowed(c.sub) {
					c.h.log.WarnContext(ctx, "chatws.slow_consumer", slog.Int("queue", c.h.limits.SendQueue))
					c.closeWith(websocket.ClosePolicyViolation, "slow consumer")
				}
				return
			}
			if !c.write(ctx, websocket.TextMessage, payload) {
				return
			}
		case frame := <-c.errs:
			if !c.write(ctx, websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !c.write(ctx, websocket.PingMessage, nil) {
				return
			}
		case <-c.stop:
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.readDone:
			return
		}
	}
}

func (c *conn) write(ctx context.Context, typ int, data []byte) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.h.limits.WriteWait)); err != nil {
		return false
	}
	if err := c.ws.WriteMessage(typ, data); err != nil {
		if !isExpectedCloseError(err) {
			c.h.log.WarnContext(ctx, "chatws.write.fail", slog.String("err", err.Error()))
		}
		return false
	}
	return true
}

func (c *conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.h.limits.WriteWait))
}

// isExpectedCloseError reports errors produced by writing to or closing a
// connection the peer already dropped.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "websocket: close sent") ||
		strings.Contains(s, "broken pipe")
}
