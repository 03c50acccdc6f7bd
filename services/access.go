package services

import (
	"github.com/godocompany/market-moderation/utils"
	"github.com/rs/zerolog"
)

// Role is a caller's resolved privilege level
type Role int

const (
	RoleAnonymous Role = iota
	RoleModerator
	RoleAdmin

	numRoles
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleModerator:
		return "moderator"
	default:
		return "anonymous"
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Command is a registered bot command name
type Command string

const (
	CmdStart      Command = "start"
	CmdHelp       Command = "help"
	CmdPending    Command = "pending"
	CmdListing    Command = "listing"
	CmdApprove    Command = "approve"
	CmdReject     Command = "reject"
	CmdStats      Command = "stats"
	CmdWarn       Command = "warn"
	CmdUnwarn     Command = "unwarn"
	CmdBan        Command = "ban"
	CmdUnban      Command = "unban"
	CmdUser       Command = "user"
	CmdUsers      Command = "users"
	CmdDeleteUser Command = "deluser"
	CmdModerators Command = "moderators"
	CmdReload     Command = "reload"
)

// allowList marks which roles may invoke a command. It is indexed by Role so
// the literals below are bounds checked at compile time.
type allowList [numRoles]bool

var (
	everyone   = allowList{RoleAnonymous: true, RoleModerator: true, RoleAdmin: true}
	staff      = allowList{RoleModerator: true, RoleAdmin: true}
	adminsOnly = allowList{RoleAdmin: true}
)

// commandAccess is the role x command table. A command missing here cannot be
// registered with the router.
var commandAccess = map[Command]allowList{
	CmdStart:      everyone,
	CmdHelp:       staff,
	CmdPending:    staff,
	CmdListing:    staff,
	CmdApprove:    staff,
	CmdReject:     staff,
	CmdStats:      staff,
	CmdWarn:       adminsOnly,
	CmdUnwarn:     adminsOnly,
	CmdBan:        adminsOnly,
	CmdUnban:      adminsOnly,
	CmdUser:       adminsOnly,
	CmdUsers:      adminsOnly,
	CmdDeleteUser: adminsOnly,
	CmdModerators: adminsOnly,
	CmdReload:     adminsOnly,
}

// HasAccessPolicy reports whether cmd has an explicit entry in the access table
func HasAccessPolicy(cmd Command) bool {
	_, ok := commandAccess[cmd]
	return ok
}

// Allowed reports whether role may invoke cmd
func Allowed(role Role, cmd Command) bool {
	list, ok := commandAccess[cmd]
	if !ok || role < 0 || role >= numRoles {
		return false
	}
	return list[role]
}

// AccessDecision is the result of an access evaluation
type AccessDecision struct {
	Allowed bool
	Role    Role
	Reason  string
}

// Error converts a denial into a PolicyError, nil when allowed
func (d AccessDecision) Error() error {
	if d.Allowed {
		return nil
	}
	return &PolicyError{Reason: d.Reason}
}

// Denial reasons shown to callers
const (
	ReasonUnknownCommand = "Unknown command. Send /help for the list of commands."
	ReasonAdminOnly      = "This command is available to administrators only."
	ReasonStaffOnly      = "Access denied. This bot is for marketplace moderators."
)

// AccessService decides whether a caller may run a command
type AccessService struct {
	Roster  *Roster
	Limiter *RateLimiter

	// Known reports whether a command is registered. Defaults to the access table.
	Known func(Command) bool

	Log zerolog.Logger
}

// ResolveAccess rate limits the caller, rejects unknown commands, then checks
// the caller's role against the command's allow list. The limiter applies to
// every role, admins included.
func (s *AccessService) ResolveAccess(callerID string, cmd Command) AccessDecision {

	// Quota first, regardless of role
	if s.Limiter != nil {
		if rd := s.Limiter.Check(callerID); !rd.Allowed {
			rateLimitedTotal.Inc()
			s.Log.Warn().
				Str("caller", utils.HashID(callerID)).
				Dur("retry_after", rd.RetryAfter).
				Msg("caller over quota")
			return AccessDecision{Allowed: false, Role: RoleAnonymous, Reason: rd.Reason}
		}
	}

	// Unknown commands fail closed before the role is even looked at
	known := s.Known
	if known == nil {
		known = HasAccessPolicy
	}
	if !known(cmd) || !HasAccessPolicy(cmd) {
		return AccessDecision{Allowed: false, Role: RoleAnonymous, Reason: ReasonUnknownCommand}
	}

	role := s.Roster.RoleOf(callerID)
	if Allowed(role, cmd) {
		return AccessDecision{Allowed: true, Role: role}
	}

	reason := ReasonStaffOnly
	if !Allowed(RoleModerator, cmd) {
		reason = ReasonAdminOnly
	}
	s.Log.Info().
		Str("caller", utils.HashID(callerID)).
		Str("role", role.String()).
		Str("command", string(cmd)).
		Msg("command denied")
	return AccessDecision{Allowed: false, Role: role, Reason: reason}
}

// CommandsFor lists the commands a role may invoke among the given set
func CommandsFor(role Role, registered []Command) []Command {
	var out []Command
	for _, cmd := range registered {
		if Allowed(role, cmd) {
			out = append(out, cmd)
		}
	}
	return out
}
