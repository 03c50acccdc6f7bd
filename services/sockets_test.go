package services

import (
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

type emitted struct {
	event string
	args  []interface{}
}

// fakeHub is an in-memory room broadcaster
type fakeHub struct {
	mu    sync.Mutex
	rooms map[string]map[*fakeSocket]bool
}

func newFakeHub() *fakeHub {
	return &fakeHub{rooms: map[string]map[*fakeSocket]bool{}}
}

func (h *fakeHub) BroadcastToRoom(namespace, room, event string, args ...interface{}) bool {
	h.mu.Lock()
	members := make([]*fakeSocket, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.Unlock()
	for _, s := range members {
		s.Emit(event, args...)
	}
	return true
}

type fakeSocket struct {
	id     string
	hub    *fakeHub
	ctx    interface{}
	mu     sync.Mutex
	events []emitted
	closed bool
}

func (h *fakeHub) connect(id string) *fakeSocket {
	return &fakeSocket{id: id, hub: h}
}

func (s *fakeSocket) ID() string { return s.id }
func (s *fakeSocket) Context() interface{} { return s.ctx }
func (s *fakeSocket) SetContext(v interface{}) { s.ctx = v }
func (s *fakeSocket) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000} }
func (s *fakeSocket) RemoteHeader() http.Header { return http.Header{} }

func (s *fakeSocket) Emit(event string, v ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, emitted{event: event, args: v})
}

func (s *fakeSocket) Join(room string) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.hub.rooms[room] == nil {
		s.hub.rooms[room] = map[*fakeSocket]bool{}
	}
	s.hub.rooms[room][s] = true
}

func (s *fakeSocket) Leave(room string) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	delete(s.hub.rooms[room], s)
}

func (s *fakeSocket) LeaveAll() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	for _, members := range s.hub.rooms {
		delete(members, s)
	}
}

func (s *fakeSocket) Close() error {
	s.closed = true
	s.LeaveAll()
	return nil
}

func (s *fakeSocket) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (s *fakeSocket) last(event string) (emitted, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].event == event {
			return s.events[i], true
		}
	}
	return emitted{}, false
}

type chatFixture struct {
	hub     *fakeHub
	content *fakeContent
	store   *SessionStore
	sockets *SocketsService
}

// newChatFixture seeds conversation 42 between users A and B, and user C
func newChatFixture() *chatFixture {
	content := newFakeContent()
	for _, id := range []string{"A", "B", "C"} {
		content.addUser(id)
		content.tokens["token-"+id] = id
	}
	content.conversations["42"] = &Conversation{ID: "42", BuyerID: "A", SellerID: "B"}

	store := NewSessionStore("root")
	hub := newFakeHub()
	return &chatFixture{
		hub:     hub,
		content: content,
		store:   store,
		sockets: &SocketsService{
			Server:          hub,
			AccountsService: &AccountsService{Content: content, Sanctions: store},
			ChatService:     &ChatService{Content: content, Sanctions: store},
			MessageRate:     100,
			MessageBurst:    100,
			Log:             zerolog.Nop(),
		},
	}
}

func (f *chatFixture) login(id string) *fakeSocket {
	conn := f.hub.connect("socket-" + id)
	f.sockets.OnConnect(conn)
	f.sockets.OnAuthenticate(conn, AuthenticateMsg{Token: "token-" + id})
	return conn
}

func TestSocketAuthenticateFailureDisconnects(t *testing.T) {
	f := newChatFixture()
	conn := f.hub.connect("s1")
	f.sockets.OnConnect(conn)

	f.sockets.OnAuthenticate(conn, AuthenticateMsg{Token: "forged"})
	if conn.count("error") != 1 || !conn.closed {
		t.Fatalf("expected error and disconnect, got %+v closed=%v", conn.events, conn.closed)
	}
	if conn.count("authenticated") != 0 {
		t.Fatalf("unexpected authenticated event")
	}
}

func TestSocketAuthenticateBindsOnce(t *testing.T) {
	f := newChatFixture()
	conn := f.login("A")
	if conn.count("authenticated") != 1 {
		t.Fatalf("expected authenticated event")
	}

	f.sockets.OnAuthenticate(conn, AuthenticateMsg{Token: "token-B"})
	if conn.count("error") != 1 {
		t.Fatalf("expected rebind to be rejected")
	}
	if f.sockets.authedUser(conn).ID != "A" {
		t.Fatalf("identity must not change")
	}
}

func TestSocketBannedUserCannotAuthenticate(t *testing.T) {
	f := newChatFixture()
	f.store.Ban("A", "spam", SystemIssuer)

	conn := f.hub.connect("s1")
	f.sockets.OnAuthenticate(conn, AuthenticateMsg{Token: "token-A"})
	if !conn.closed {
		t.Fatalf("banned user should be disconnected")
	}
}

func TestSocketRequiresAuthentication(t *testing.T) {
	f := newChatFixture()
	conn := f.hub.connect("anon")
	f.sockets.OnConnect(conn)

	f.sockets.OnJoinChat(conn, ChatRoomMsg{ChatID: "42"})
	f.sockets.OnSendMessage(conn, SendMessageMsg{ChatID: "42", Content: "hi"})
	f.sockets.OnTyping(conn, ChatRoomMsg{ChatID: "42"}, true)

	if conn.count("error") != 3 {
		t.Fatalf("expected 3 errors, got %d", conn.count("error"))
	}
	if conn.count("joined") != 0 || f.content.messageCount() != 0 {
		t.Fatalf("unauthenticated socket must not join or send")
	}
}

func TestSocketNonParticipantCannotJoinOrReceive(t *testing.T) {
	f := newChatFixture()
	a := f.login("A")
	c := f.login("C")

	f.sockets.OnJoinChat(a, ChatRoomMsg{ChatID: "42"})
	if a.count("joined") != 1 {
		t.Fatalf("participant should join")
	}

	f.sockets.OnJoinChat(c, ChatRoomMsg{ChatID: "42"})
	if c.count("joined") != 0 || c.count("error") != 1 {
		t.Fatalf("non-participant should get an error, got %+v", c.events)
	}

	f.sockets.OnSendMessage(a, SendMessageMsg{ChatID: "42", Content: "hello"})
	if a.count("message") != 1 {
		t.Fatalf("sender should receive the room broadcast")
	}
	if c.count("message") != 0 {
		t.Fatalf("non-participant must not receive room messages")
	}
	if f.sockets.RoomSize("42") != 1 {
		t.Fatalf("expected one socket in the room, got %d", f.sockets.RoomSize("42"))
	}
}

func TestSocketSendMessagePersistsThenBroadcasts(t *testing.T) {
	f := newChatFixture()
	a := f.login("A")
	b := f.login("B")
	f.sockets.OnJoinChat(a, ChatRoomMsg{ChatID: "42"})
	f.sockets.OnJoinChat(b, ChatRoomMsg{ChatID: "42"})

	f.sockets.OnSendMessage(a, SendMessageMsg{ChatID: "42", Content: "  is it <b>available</b>?  "})
	if f.content.messageCount() != 1 {
		t.Fatalf("expected message persisted")
	}
	ev, ok := b.last("message")
	if !ok {
		t.Fatalf("expected broadcast to the other participant")
	}
	payload := ev.args[0].(messagePayload)
	if payload.Content != "is it bavailable/b?" || payload.Sender.ID != "A" || payload.ID == "" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if b.count("notification:chat") != 0 {
		t.Fatalf("no notification when the recipient is in the room")
	}

	// Later joiners get the buffered history
	b2 := f.hub.connect("socket-B2")
	f.sockets.OnConnect(b2)
	f.sockets.OnAuthenticate(b2, AuthenticateMsg{Token: "token-B"})
	f.sockets.OnJoinChat(b2, ChatRoomMsg{ChatID: "42"})
	if b2.count("history") != 1 {
		t.Fatalf("expected history on join")
	}
}

func TestSocketBackendFailureRejectsMessage(t *testing.T) {
	f := newChatFixture()
	a := f.login("A")
	b := f.login("B")
	f.sockets.OnJoinChat(a, ChatRoomMsg{ChatID: "42"})
	f.sockets.OnJoinChat(b, ChatRoomMsg{ChatID: "42"})

	f.content.setFail("create message", true)
	f.sockets.OnSendMessage(a, SendMessageMsg{ChatID: "42", Content: "hello"})
	if b.count("message") != 0 {
		t.Fatalf("nothing may be broadcast without persistence")
	}
	ev, _ := a.last("error")
	if ev.args[0].(errorPayload).Message != GenericFailureMessage {
		t.Fatalf("expected generic failure, got %+v", ev.args[0])
	}

	f.content.setFail("create message", false)
	f.content.setFail("get conversation", true)
	f.sockets.OnSendMessage(a, SendMessageMsg{ChatID: "42", Content: "hello"})
	if f.content.messageCount() != 0 || b.count("message") != 0 {
		t.Fatalf("unreachable participation check must reject the message")
	}
}

func TestSocketSendRechecksParticipation(t *testing.T) {
	f := newChatFixture()
	a := f.login("A")
	f.sockets.OnJoinChat(a, ChatRoomMsg{ChatID: "42"})

	// A is removed from the conversation after joining
	f.content.mu.Lock()
	f.content.conversations["42"] = &Conversation{ID: "42", BuyerID: "C", SellerID: "B"}
	f.content.mu.Unlock()

	f.sockets.OnSendMessage(a, SendMessageMsg{ChatID: "42", Content: "still here?"})
	if f.content.messageCount() != 0 {
		t.Fatalf("removed participant must not be able to send")
	}
	ev, _ := a.last("error")
	if ev.args[0].(errorPayload).Message != "You are not a participant of this chat." {
		t.Fatalf("unexpected error %+v", ev.args[0])
	}
}

func TestSocketValidatesContent(t *testing.T) {
	f := newChatFixture()
	a := f.login("A")
	f.sockets.OnJoinChat(a, ChatRoomMsg{ChatID: "42"})

	long := make([]byte, 2001)
	for i := range long {
		long[i] = 'x'
	}
	for _, content := range []string{"", "   ", string(long), "<>"} {
		f.sockets.OnSendMessage(a, SendMessageMsg{ChatID: "42", Content: content})
	}
	if f.content.messageCount() != 0 {
		t.Fatalf("invalid bodies must not be persisted")
	}
	if a.count("error") != 4 {
		t.Fatalf("expected 4 errors, got %d", a.count("error"))
	}
}

func TestSocketNotifiesAbsentRecipient(t *testing.T) {
	f := newChatFixture()
	a := f.login("A")
	b := f.login("B")
	f.sockets.OnJoinChat(a, ChatRoomMsg{ChatID: "42"})

	f.sockets.OnSendMessage(a, SendMessageMsg{ChatID: "42", Content: "ping"})
	ev, ok := b.last("notification:chat")
	if !ok {
		t.Fatalf("expected notification on the private channel")
	}
	n := ev.args[0].(chatNotification)
	if n.ChatID != "42" || n.SenderName != "user-A" || n.Text != "ping" {
		t.Fatalf("unexpected notification %+v", n)
	}
	if b.count("message") != 0 {
		t.Fatalf("recipient outside the room must not get room messages")
	}
}

func TestSocketFloodLimit(t *testing.T) {
	f := newChatFixture()
	f.sockets.MessageRate = 0.001
	f.sockets.MessageBurst = 2
	a := f.login("A")
	f.sockets.OnJoinChat(a, ChatRoomMsg{ChatID: "42"})

	for i := 0; i < 4; i++ {
		f.sockets.OnSendMessage(a, SendMessageMsg{ChatID: "42", Content: "spam"})
	}
	if f.content.messageCount() != 2 {
		t.Fatalf("expected burst of 2 persisted, got %d", f.content.messageCount())
	}
}

func TestSocketTypingNeedsJoinedRoom(t *testing.T) {
	f := newChatFixture()
	a := f.login("A")
	b := f.login("B")
	f.sockets.OnJoinChat(b, ChatRoomMsg{ChatID: "42"})

	f.sockets.OnTyping(a, ChatRoomMsg{ChatID: "42"}, true)
	if b.count("userTyping") != 0 {
		t.Fatalf("typing from outside the room must be dropped")
	}

	f.sockets.OnJoinChat(a, ChatRoomMsg{ChatID: "42"})
	f.sockets.OnTyping(a, ChatRoomMsg{ChatID: "42"}, true)
	f.sockets.OnTyping(a, ChatRoomMsg{ChatID: "42"}, false)
	if b.count("userTyping") != 1 || b.count("userStoppedTyping") != 1 {
		t.Fatalf("expected typing signals, got %+v", b.events)
	}
}

func TestSocketTypingIsThrottled(t *testing.T) {
	f := newChatFixture()
	f.sockets.MessageRate = 0.001
	f.sockets.MessageBurst = 2
	a := f.login("A")
	b := f.login("B")
	f.sockets.OnJoinChat(a, ChatRoomMsg{ChatID: "42"})
	f.sockets.OnJoinChat(b, ChatRoomMsg{ChatID: "42"})

	for i := 0; i < 10; i++ {
		f.sockets.OnTyping(a, ChatRoomMsg{ChatID: "42"}, true)
	}
	if b.count("userTyping") != 2*typingRateFactor {
		t.Fatalf("expected %d typing signals, got %d", 2*typingRateFactor, b.count("userTyping"))
	}

	// Messages still have their own budget
	f.sockets.OnSendMessage(a, SendMessageMsg{ChatID: "42", Content: "hi"})
	if f.content.messageCount() != 1 {
		t.Fatalf("typing must not consume the message budget")
	}
}

func TestSocketDisconnectClearsPresence(t *testing.T) {
	f := newChatFixture()
	a := f.login("A")
	f.sockets.OnJoinChat(a, ChatRoomMsg{ChatID: "42"})
	f.sockets.OnDisconnect(a, "transport close")
	if f.sockets.RoomSize("42") != 0 {
		t.Fatalf("expected empty room after disconnect")
	}
}

func TestChatIDAcceptsNumbers(t *testing.T) {
	var msg SendMessageMsg
	if err := json.Unmarshal([]byte(`{"chatId": 42, "content": "hi"}`), &msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ChatID != "42" {
		t.Fatalf("expected 42, got %q", msg.ChatID)
	}
	if err := json.Unmarshal([]byte(`{"chatId": "abc"}`), &msg); err != nil || msg.ChatID != "abc" {
		t.Fatalf("expected abc, got %q (%v)", msg.ChatID, err)
	}
}
