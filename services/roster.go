package services

import (
	"sort"
	"sync"

	"github.com/godocompany/market-moderation/config"
)

// ModeratorStats are lifetime counters for one roster member
type ModeratorStats struct {
	Accepted       int `json:"accepted"`
	Rejected       int `json:"rejected"`
	WarningsIssued int `json:"warnings_issued"`
	Bans           int `json:"bans"`
}

// Moderator is a member of the static moderation roster
type Moderator struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Role      Role           `json:"role"`
	Available bool           `json:"available"`
	Stats     ModeratorStats `json:"stats"`
}

// ModeratorAction is a counted roster action
type ModeratorAction int

const (
	ActionAccept ModeratorAction = iota
	ActionReject
	ActionWarn
	ActionBan
)

// Roster holds the admins and moderators known at process start. Members are
// never added or removed at runtime, only their counters change.
type Roster struct {
	membersMut sync.RWMutex
	members    map[string]*Moderator
}

// NewRoster builds the roster. An id listed as both admin and moderator is an admin.
func NewRoster(admins, moderators []config.RosterEntry) *Roster {
	r := &Roster{members: map[string]*Moderator{}}
	for _, m := range moderators {
		r.members[m.ID] = &Moderator{ID: m.ID, Name: m.Name, Role: RoleModerator, Available: m.Available}
	}
	for _, a := range admins {
		r.members[a.ID] = &Moderator{ID: a.ID, Name: a.Name, Role: RoleAdmin, Available: a.Available}
	}
	return r
}

// RoleOf resolves a caller's role: admin, then moderator, then anonymous
func (r *Roster) RoleOf(callerID string) Role {
	r.membersMut.RLock()
	defer r.membersMut.RUnlock()
	m, ok := r.members[callerID]
	if !ok {
		return RoleAnonymous
	}
	return m.Role
}

// Get returns a copy of a roster member
func (r *Roster) Get(id string) (Moderator, bool) {
	r.membersMut.RLock()
	defer r.membersMut.RUnlock()
	m, ok := r.members[id]
	if !ok {
		return Moderator{}, false
	}
	return *m, true
}

// All returns copies of every member, admins first then by id
func (r *Roster) All() []Moderator {
	r.membersMut.RLock()
	out := make([]Moderator, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	r.membersMut.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role > out[j].Role
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Available returns members that receive new-listing notifications
func (r *Roster) Available() []Moderator {
	var out []Moderator
	for _, m := range r.All() {
		if m.Available {
			out = append(out, m)
		}
	}
	return out
}

// Record increments a member's counter. Unknown ids, including the system
// identity used for automatic bans, are ignored.
func (r *Roster) Record(id string, action ModeratorAction) bool {
	r.membersMut.Lock()
	defer r.membersMut.Unlock()
	m, ok := r.members[id]
	if !ok {
		return false
	}
	switch action {
	case ActionAccept:
		m.Stats.Accepted++
	case ActionReject:
		m.Stats.Rejected++
	case ActionWarn:
		m.Stats.WarningsIssued++
	case ActionBan:
		m.Stats.Bans++
	default:
		return false
	}
	return true
}
