package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/godocompany/market-moderation/utils"
	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Socket is the part of a socket.io connection the gateway uses
type Socket interface {
	ID() string
	Context() interface{}
	SetContext(v interface{})
	Emit(event string, v ...interface{})
	Join(room string)
	Leave(room string)
	LeaveAll()
	Close() error
	RemoteAddr() net.Addr
	RemoteHeader() http.Header
}

// RoomBroadcaster delivers an event to every socket in a room
type RoomBroadcaster interface {
	BroadcastToRoom(namespace, room, event string, args ...interface{}) bool
}

// SocketContext is the per-connection state. User is set once by authenticate.
type SocketContext struct {
	User    *ChatUser
	Limiter *rate.Limiter
	IP      string

	// Typing signals get their own bucket so they never eat into messages
	TypingLimiter *rate.Limiter
}

// SocketsService is the real-time chat gateway
type SocketsService struct {
	Server          RoomBroadcaster
	AccountsService *AccountsService
	ChatService     *ChatService

	// MessageRate and MessageBurst bound how fast one socket may send messages
	MessageRate  float64
	MessageBurst int

	BackendTimeout time.Duration
	Log            zerolog.Logger

	buffers     ChatBufferGroup
	presence    map[string]map[string]string
	presenceMut sync.RWMutex
}

// Setup registers the event handlers on a socket.io server
func (s *SocketsService) Setup(server *socketio.Server) {

	// The server is also where rooms are broadcast
	s.Server = server

	// Add handlers to the socket server
	server.OnConnect("/", func(conn socketio.Conn) error {
		s.OnConnect(conn)
		return nil
	})

	// When a socket disconnects
	server.OnDisconnect("/", func(conn socketio.Conn, reason string) {
		s.OnDisconnect(conn, reason)
	})

	server.OnError("/", func(conn socketio.Conn, err error) {
		s.Log.Debug().Err(err).Msg("socket error")
	})

	// Register all of the event handlers
	server.OnEvent("/", "authenticate", func(conn socketio.Conn, msg AuthenticateMsg) {
		s.OnAuthenticate(conn, msg)
	})
	server.OnEvent("/", "joinChat", func(conn socketio.Conn, msg ChatRoomMsg) {
		s.OnJoinChat(conn, msg)
	})
	server.OnEvent("/", "leaveChat", func(conn socketio.Conn, msg ChatRoomMsg) {
		s.OnLeaveChat(conn, msg)
	})
	server.OnEvent("/", "sendMessage", func(conn socketio.Conn, msg SendMessageMsg) {
		s.OnSendMessage(conn, msg)
	})
	server.OnEvent("/", "typing", func(conn socketio.Conn, msg ChatRoomMsg) {
		s.OnTyping(conn, msg, true)
	})
	server.OnEvent("/", "stopTyping", func(conn socketio.Conn, msg ChatRoomMsg) {
		s.OnTyping(conn, msg, false)
	})

}

// Broadcast broadcasts a message to every member of a room
func (s *SocketsService) Broadcast(room, event string, args ...interface{}) bool {
	return s.Server.BroadcastToRoom("/", room, event, args...)
}

func chatRoom(chatID string) string {
	return fmt.Sprintf("chat_%s", chatID)
}

func userRoom(userID string) string {
	return fmt.Sprintf("user_%s", userID)
}

// errorPayload is the body of every "error" event
type errorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
	ChatID  string `json:"chatId,omitempty"`
}

// emitError reports a failed event to the socket. Backend and internal
// failures are reported with the generic message only.
func (s *SocketsService) emitError(conn Socket, event, chatID string, err error) {
	kind := ErrorKind(err)
	chatEventsTotal.WithLabelValues(event, kind).Inc()

	msg := GenericFailureMessage
	var pe *PolicyError
	switch {
	case errors.As(err, &pe):
		msg = pe.Reason
	case errors.Is(err, ErrNotAuthenticated):
		msg = "Authentication required."
	case errors.Is(err, ErrAlreadyAuthenticated):
		msg = "This connection is already authenticated."
	case errors.Is(err, ErrNotParticipant):
		msg = "You are not a participant of this chat."
	case kind == KindNotFound:
		msg = "Chat not found."
	}

	entry := s.Log.Info()
	if kind == KindBackend || kind == KindFatal {
		entry = s.Log.Error()
	}
	entry.Err(err).
		Str("kind", kind).
		Str("event", event).
		Str("socket", conn.ID()).
		Str("user", utils.HashID(s.userID(conn))).
		Msg("chat event rejected")

	conn.Emit("error", errorPayload{Event: event, Message: msg, ChatID: chatID})
}

func (s *SocketsService) backendContext() (context.Context, context.CancelFunc) {
	timeout := s.BackendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// socketContext gets the connection state, creating it if the connect hook
// never ran
func (s *SocketsService) socketContext(conn Socket) *SocketContext {
	if sc, ok := conn.Context().(*SocketContext); ok && sc != nil {
		return sc
	}
	sc := s.newSocketContext(conn)
	conn.SetContext(sc)
	return sc
}

const typingRateFactor = 2

func (s *SocketsService) newSocketContext(conn Socket) *SocketContext {
	r := s.MessageRate
	if r <= 0 {
		r = 1
	}
	burst := s.MessageBurst
	if burst <= 0 {
		burst = 5
	}
	return &SocketContext{
		Limiter:       rate.NewLimiter(rate.Limit(r), burst),
		TypingLimiter: rate.NewLimiter(rate.Limit(r*typingRateFactor), burst*typingRateFactor),
		IP:            utils.GetIpAddress(conn.RemoteHeader(), conn.RemoteAddr()),
	}
}

func (s *SocketsService) authedUser(conn Socket) *ChatUser {
	return s.socketContext(conn).User
}

func (s *SocketsService) userID(conn Socket) string {
	if u := s.authedUser(conn); u != nil {
		return u.ID
	}
	return ""
}

//====================================================================================================
// connection lifecycle
//====================================================================================================

func (s *SocketsService) OnConnect(conn Socket) {
	sc := s.newSocketContext(conn)
	conn.SetContext(sc)
	chatConnections.Inc()
	s.Log.Debug().
		Str("socket", conn.ID()).
		Str("ip", sc.IP).
		Msg("client connected")
}

func (s *SocketsService) OnDisconnect(conn Socket, reason string) {
	s.removePresence(conn.ID())
	conn.LeaveAll()
	chatConnections.Dec()
	s.Log.Debug().
		Str("socket", conn.ID()).
		Str("reason", reason).
		Msg("client disconnected")
}

//====================================================================================================
// authenticate event handler
// Binds the connection to a marketplace user for the rest of its lifetime
//====================================================================================================

type AuthenticateMsg struct {
	Token string `json:"token"`
}

func (s *SocketsService) OnAuthenticate(conn Socket, data AuthenticateMsg) {
	sc := s.socketContext(conn)
	if sc.User != nil {
		s.emitError(conn, "authenticate", "", ErrAlreadyAuthenticated)
		return
	}

	ctx, cancel := s.backendContext()
	defer cancel()

	// Verify the token. Any failure ends the connection.
	user, err := s.AccountsService.GetUserByToken(ctx, data.Token)
	if err != nil {
		s.emitError(conn, "authenticate", "", err)
		conn.Close()
		return
	}

	sc.User = user
	conn.Join(userRoom(user.ID))

	chatEventsTotal.WithLabelValues("authenticate", "ok").Inc()
	s.Log.Info().
		Str("socket", conn.ID()).
		Str("user", utils.HashID(user.ID)).
		Msg("socket authenticated")
	conn.Emit("authenticated", map[string]interface{}{
		"userId":   user.ID,
		"username": user.Username,
	})
}

//====================================================================================================
// joinChat / leaveChat event handlers
//====================================================================================================

type ChatRoomMsg struct {
	ChatID FlexString `json:"chatId"`
}

func (s *SocketsService) OnJoinChat(conn Socket, data ChatRoomMsg) {
	user := s.authedUser(conn)
	if user == nil {
		s.emitError(conn, "joinChat", "", ErrNotAuthenticated)
		return
	}
	chatID, ok := utils.SanitizeID(string(data.ChatID))
	if !ok {
		s.emitError(conn, "joinChat", "", Rejected("Invalid chat id."))
		return
	}

	ctx, cancel := s.backendContext()
	defer cancel()

	// Participants are fetched on every join
	if _, err := s.ChatService.IsParticipant(ctx, chatID, user.ID); err != nil {
		s.emitError(conn, "joinChat", chatID, err)
		return
	}

	conn.Join(chatRoom(chatID))
	s.addPresence(chatID, conn.ID(), user.ID)
	chatEventsTotal.WithLabelValues("joinChat", "ok").Inc()

	conn.Emit("joined", map[string]interface{}{"chatId": chatID})

	// Emit the buffered messages, so the chat does not open empty
	history := s.buffers.CopyMessages(chatID)
	if len(history) > 0 {
		conn.Emit("history", map[string]interface{}{
			"chatId":   chatID,
			"messages": history,
		})
	}
}

func (s *SocketsService) OnLeaveChat(conn Socket, data ChatRoomMsg) {
	chatID, ok := utils.SanitizeID(string(data.ChatID))
	if !ok {
		return
	}
	conn.Leave(chatRoom(chatID))
	s.dropPresence(chatID, conn.ID())
	conn.Emit("left", map[string]interface{}{"chatId": chatID})
}

//====================================================================================================
// sendMessage event handler
//====================================================================================================

type SendMessageMsg struct {
	ChatID  FlexString `json:"chatId"`
	Content string     `json:"content"`
}

type messageSender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type messagePayload struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	Content   string        `json:"content"`
	Sender    messageSender `json:"sender"`
	CreatedAt time.Time     `json:"createdAt"`
}

type chatNotification struct {
	ChatID     string `json:"chatId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
}

const notificationPreviewLength = 100

func (s *SocketsService) OnSendMessage(conn Socket, data SendMessageMsg) {
	sc := s.socketContext(conn)
	user := sc.User
	if user == nil {
		s.emitError(conn, "sendMessage", "", ErrNotAuthenticated)
		return
	}
	chatID, ok := utils.SanitizeID(string(data.ChatID))
	if !ok {
		s.emitError(conn, "sendMessage", "", Rejected("Invalid chat id."))
		return
	}
	content, err := s.ChatService.ValidateMessage(data.Content)
	if err != nil {
		s.emitError(conn, "sendMessage", chatID, err)
		return
	}
	if !sc.Limiter.Allow() {
		s.emitError(conn, "sendMessage", chatID, Rejected("You are sending messages too fast."))
		return
	}

	ctx, cancel := s.backendContext()
	defer cancel()

	// Participation is checked again, the join check may be stale
	conv, err := s.ChatService.CanSendMessage(ctx, chatID, user)
	if err != nil {
		s.emitError(conn, "sendMessage", chatID, err)
		return
	}

	// Persist before anyone sees the message
	msg, err := s.ChatService.Content.CreateMessage(ctx, chatID, user.ID, content)
	if err != nil {
		s.emitError(conn, "sendMessage", chatID, backendErr("create message", err))
		return
	}

	s.Broadcast(chatRoom(chatID), "message", messagePayload{
		ID:        msg.ID,
		ChatID:    chatID,
		Content:   msg.Content,
		Sender:    messageSender{ID: user.ID, Username: user.Username},
		CreatedAt: msg.CreatedAt,
	})
	s.buffers.PushMessage(chatID, msg)
	chatEventsTotal.WithLabelValues("sendMessage", "ok").Inc()

	// Tell the other participant when they are not looking at this chat
	recipient := conv.Counterpart(user.ID)
	if recipient != "" && recipient != user.ID && !s.userInRoom(chatID, recipient) {
		s.Broadcast(userRoom(recipient), "notification:chat", chatNotification{
			ChatID:     chatID,
			SenderName: user.Username,
			Text:       utils.SanitizeText(content, notificationPreviewLength),
		})
	}
}

//====================================================================================================
// typing / stopTyping event handlers
// Best effort. Only sockets that joined the room may signal in it.
//====================================================================================================

func (s *SocketsService) OnTyping(conn Socket, data ChatRoomMsg, typing bool) {
	event, out := "typing", "userTyping"
	if !typing {
		event, out = "stopTyping", "userStoppedTyping"
	}

	sc := s.socketContext(conn)
	user := sc.User
	if user == nil {
		s.emitError(conn, event, "", ErrNotAuthenticated)
		return
	}
	chatID, ok := utils.SanitizeID(string(data.ChatID))
	if !ok || !s.socketInRoom(chatID, conn.ID()) {
		return
	}
	if !sc.TypingLimiter.Allow() {
		chatEventsTotal.WithLabelValues(event, "throttled").Inc()
		return
	}
	s.Broadcast(chatRoom(chatID), out, map[string]interface{}{
		"chatId":   chatID,
		"userId":   user.ID,
		"username": user.Username,
	})
}

//====================================================================================================
// presence tracking
//====================================================================================================

func (s *SocketsService) addPresence(chatID, socketID, userID string) {
	s.presenceMut.Lock()
	defer s.presenceMut.Unlock()
	if s.presence == nil {
		s.presence = map[string]map[string]string{}
	}
	room, ok := s.presence[chatID]
	if !ok {
		room = map[string]string{}
		s.presence[chatID] = room
	}
	room[socketID] = userID
}

func (s *SocketsService) dropPresence(chatID, socketID string) {
	s.presenceMut.Lock()
	defer s.presenceMut.Unlock()
	room, ok := s.presence[chatID]
	if !ok {
		return
	}
	delete(room, socketID)
	if len(room) == 0 {
		delete(s.presence, chatID)
	}
}

func (s *SocketsService) removePresence(socketID string) {
	s.presenceMut.Lock()
	defer s.presenceMut.Unlock()
	for chatID, room := range s.presence {
		delete(room, socketID)
		if len(room) == 0 {
			delete(s.presence, chatID)
		}
	}
}

func (s *SocketsService) socketInRoom(chatID, socketID string) bool {
	s.presenceMut.RLock()
	defer s.presenceMut.RUnlock()
	_, ok := s.presence[chatID][socketID]
	return ok
}

func (s *SocketsService) userInRoom(chatID, userID string) bool {
	s.presenceMut.RLock()
	defer s.presenceMut.RUnlock()
	for _, id := range s.presence[chatID] {
		if id == userID {
			return true
		}
	}
	return false
}

// RoomSize reports how many sockets are joined to a conversation
func (s *SocketsService) RoomSize(chatID string) int {
	s.presenceMut.RLock()
	defer s.presenceMut.RUnlock()
	return len(s.presence[chatID])
}
