package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/godocompany/market-moderation/utils"
	"github.com/rs/zerolog"
)

// InboundEvent is one bot update, either a typed message or a button press
type InboundEvent struct {
	UpdateID     int
	CallerID     string
	CallerName   string
	ChatID       int64
	Text         string
	CallbackID   string
	CallbackData string
}

// IsCallback reports whether the event is a button press
func (ev *InboundEvent) IsCallback() bool {
	return ev.CallbackID != ""
}

// Button is an inline button under a reply
type Button struct {
	Text string
	Data string
}

// Reply is a transport-agnostic bot answer
type Reply struct {
	Text    string
	Buttons [][]Button

	// Notice is the short popup shown when answering a button press
	Notice string
}

// CommandRequest is a sanitized, access-checked command ready for a handler
type CommandRequest struct {
	CallerID     string
	CallerName   string
	Role         Role
	Command      Command
	Args         []string
	FromCallback bool

	// TargetID is the first argument when it is a valid identifier, empty otherwise
	TargetID string

	// Reason is the remaining arguments as sanitized free text
	Reason string
}

// CommandHandler runs one command
type CommandHandler interface {
	Handle(ctx context.Context, req *CommandRequest) (*Reply, error)
}

// CommandHandlerFunc adapts a function to CommandHandler
type CommandHandlerFunc func(ctx context.Context, req *CommandRequest) (*Reply, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, req *CommandRequest) (*Reply, error) {
	return f(ctx, req)
}

// notFoundError carries a caller-facing not-found message
type notFoundError struct {
	msg string
}

func (e *notFoundError) Error() string { return e.msg }
func (e *notFoundError) Unwrap() error { return ErrNotFound }

func notFoundf(format string, args ...interface{}) error {
	return &notFoundError{msg: fmt.Sprintf(format, args...)}
}

// errNotCommand marks plain text that is not addressed to the router
var errNotCommand = errors.New("not a command")

const maxCommandArgs = 32

// CommandRouter turns inbound bot events into handler calls. Events flow
// received -> sanitized -> access-checked -> dispatched -> reply.
type CommandRouter struct {
	Access  *AccessService
	Store   *SessionStore
	Roster  *Roster
	Content ContentBackend

	// WarnThreshold is the warning count that triggers an automatic ban
	WarnThreshold int

	// BackendTimeout bounds the content backend calls of one command
	BackendTimeout time.Duration

	Log zerolog.Logger

	handlers map[Command]CommandHandler
}

// NewCommandRouter creates a router with every moderation command registered
func NewCommandRouter(access *AccessService, store *SessionStore, roster *Roster, content ContentBackend, log zerolog.Logger) *CommandRouter {
	r := &CommandRouter{
		Access:         access,
		Store:          store,
		Roster:         roster,
		Content:        content,
		WarnThreshold:  3,
		BackendTimeout: 10 * time.Second,
		Log:            log,
		handlers:       map[Command]CommandHandler{},
	}
	if access.Known == nil {
		access.Known = r.IsRegistered
	}
	r.registerDefaults()
	return r
}

// Register adds a handler. It panics when the command has no entry in the
// access table, so every new command needs an explicit access decision.
func (r *CommandRouter) Register(cmd Command, h CommandHandler) {
	if !HasAccessPolicy(cmd) {
		panic(fmt.Sprintf("command %q has no access policy", cmd))
	}
	if h == nil {
		panic(fmt.Sprintf("command %q registered with a nil handler", cmd))
	}
	r.handlers[cmd] = h
}

// IsRegistered reports whether a handler exists for cmd
func (r *CommandRouter) IsRegistered(cmd Command) bool {
	_, ok := r.handlers[cmd]
	return ok
}

// Registered lists the registered commands in a stable order
func (r *CommandRouter) Registered() []Command {
	out := make([]Command, 0, len(r.handlers))
	for cmd := range r.handlers {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool {
		return commandOrder(out[i]) < commandOrder(out[j])
	})
	return out
}

// Dispatch processes one event and returns the reply to send, or nil when the
// event needs no answer. It never panics and never returns internal error text.
func (r *CommandRouter) Dispatch(ctx context.Context, ev InboundEvent) (reply *Reply) {
	caller := utils.HashID(ev.CallerID)
	log := r.Log.With().Str("caller", caller).Int("update_id", ev.UpdateID).Logger()
	started := time.Now()

	// Sanitize
	req, err := r.normalize(ev)
	if errors.Is(err, errNotCommand) {
		return nil
	}
	if err != nil {
		commandsTotal.WithLabelValues("invalid", KindPolicy).Inc()
		return r.errorReply(err)
	}

	// Access check
	decision := r.Access.ResolveAccess(ev.CallerID, req.Command)
	if !decision.Allowed {
		commandsTotal.WithLabelValues(labelFor(req.Command, r), KindPolicy).Inc()
		return r.errorReply(decision.Error())
	}
	req.Role = decision.Role

	handler, ok := r.handlers[req.Command]
	if !ok {
		commandsTotal.WithLabelValues("unknown", KindPolicy).Inc()
		return r.errorReply(Rejected(ReasonUnknownCommand))
	}

	// Dispatch with a panic guard so one bad event never kills the poll loop
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("kind", KindFatal).
				Str("command", string(req.Command)).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("command handler panicked")
			commandsTotal.WithLabelValues(string(req.Command), KindFatal).Inc()
			reply = &Reply{Text: "❌ " + GenericFailureMessage, Notice: GenericFailureMessage}
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, r.BackendTimeout)
	defer cancel()

	reply, err = handler.Handle(hctx, req)
	commandsTotal.WithLabelValues(string(req.Command), outcomeLabel(err)).Inc()

	if err != nil {
		kind := ErrorKind(err)
		entry := log.Info()
		if kind == KindBackend || kind == KindFatal || kind == KindTransport {
			entry = log.Error()
		}
		entry.Err(err).
			Str("kind", kind).
			Str("command", string(req.Command)).
			Str("role", req.Role.String()).
			Dur("took", time.Since(started)).
			Msg("command failed")
		return r.errorReply(err)
	}

	log.Info().
		Str("command", string(req.Command)).
		Str("role", req.Role.String()).
		Bool("callback", req.FromCallback).
		Dur("took", time.Since(started)).
		Msg("command handled")
	return reply
}

// normalize maps typed commands and button payloads to one (command, args) shape
func (r *CommandRouter) normalize(ev InboundEvent) (*CommandRequest, error) {
	req := &CommandRequest{
		CallerID:   ev.CallerID,
		CallerName: utils.SanitizeText(ev.CallerName, utils.MaxButtonLength),
	}

	if ev.IsCallback() {
		data := utils.SanitizeCallbackData(ev.CallbackData)
		if data == utils.InvalidCallback {
			return nil, Rejected("This button is no longer valid.")
		}
		name, arg, _ := strings.Cut(data, "_")
		req.Command = Command(name)
		req.FromCallback = true
		if arg != "" {
			req.Args = []string{arg}
		}
	} else {
		text := strings.TrimSpace(ev.Text)
		if !strings.HasPrefix(text, "/") {
			return nil, errNotCommand
		}
		fields := strings.Fields(utils.SanitizeText(text, utils.MaxTextLength))
		if len(fields) == 0 {
			return nil, errNotCommand
		}
		name, ok := utils.SanitizeCommandName(fields[0])
		if !ok {
			return nil, Rejected(ReasonUnknownCommand)
		}
		req.Command = Command(name)
		args := fields[1:]
		if len(args) > maxCommandArgs {
			args = args[:maxCommandArgs]
		}
		req.Args = args
	}

	if len(req.Args) > 0 {
		if id, ok := utils.SanitizeID(req.Args[0]); ok {
			req.TargetID = id
		}
		req.Reason = utils.SanitizeText(strings.Join(req.Args[1:], " "), utils.MaxReasonLength)
	}
	return req, nil
}

// errorReply renders an error without leaking internal detail
func (r *CommandRouter) errorReply(err error) *Reply {
	var pe *PolicyError
	var nf *notFoundError
	switch {
	case errors.As(err, &pe):
		return &Reply{Text: "⛔ " + pe.Reason, Notice: pe.Reason}
	case errors.As(err, &nf):
		return &Reply{Text: "⚠️ " + nf.msg, Notice: nf.msg}
	case errors.Is(err, ErrNotFound):
		return &Reply{Text: "⚠️ Not found.", Notice: "Not found"}
	case errors.Is(err, ErrProtectedIdentity):
		return &Reply{Text: "⛔ This identity cannot be sanctioned.", Notice: "Protected identity"}
	default:
		return &Reply{Text: "❌ " + GenericFailureMessage, Notice: GenericFailureMessage}
	}
}

// labelFor keeps metric label cardinality bounded to registered names
func labelFor(cmd Command, r *CommandRouter) string {
	if r.IsRegistered(cmd) {
		return string(cmd)
	}
	return "unknown"
}
