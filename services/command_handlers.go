package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godocompany/market-moderation/utils"
)

const (
	pendingPageSize      = 10
	usersPageSize        = 20
	defaultRejectReason  = "Does not meet the marketplace rules"
	defaultBanReason     = "Violation of the marketplace rules"
	autoBanReasonPattern = "Automatic ban: %d warnings"
)

// commandInfo documents one command for /help
type commandInfo struct {
	usage string
	about string
}

var commandDocs = map[Command]commandInfo{
	CmdStart:      {"/start", "main menu"},
	CmdHelp:       {"/help", "this list"},
	CmdPending:    {"/pending", "listings waiting for moderation"},
	CmdListing:    {"/listing <id>", "show one pending listing"},
	CmdApprove:    {"/approve <id>", "approve a listing"},
	CmdReject:     {"/reject <id> [reason]", "reject a listing"},
	CmdStats:      {"/stats", "your moderation statistics"},
	CmdWarn:       {"/warn <userId> [reason]", "warn a user"},
	CmdUnwarn:     {"/unwarn <userId>", "clear a user's warnings"},
	CmdBan:        {"/ban <userId> [reason]", "ban a user"},
	CmdUnban:      {"/unban <userId>", "lift a ban"},
	CmdUser:       {"/user <userId>", "user card"},
	CmdUsers:      {"/users", "newest users"},
	CmdDeleteUser: {"/deluser <userId>", "delete a user"},
	CmdModerators: {"/moderators", "moderation team"},
	CmdReload:     {"/reload", "rebuild the queue from the marketplace"},
}

var commandSequence = []Command{
	CmdStart, CmdHelp, CmdPending, CmdListing, CmdApprove, CmdReject, CmdStats,
	CmdWarn, CmdUnwarn, CmdBan, CmdUnban, CmdUser, CmdUsers, CmdDeleteUser, CmdModerators, CmdReload,
}

func commandOrder(cmd Command) int {
	for i, c := range commandSequence {
		if c == cmd {
			return i
		}
	}
	return len(commandSequence)
}

func (r *CommandRouter) registerDefaults() {
	r.Register(CmdStart, CommandHandlerFunc(r.handleStart))
	r.Register(CmdHelp, CommandHandlerFunc(r.handleHelp))
	r.Register(CmdPending, CommandHandlerFunc(r.handlePending))
	r.Register(CmdListing, CommandHandlerFunc(r.handleListing))
	r.Register(CmdApprove, CommandHandlerFunc(r.handleApprove))
	r.Register(CmdReject, CommandHandlerFunc(r.handleReject))
	r.Register(CmdStats, CommandHandlerFunc(r.handleStats))
	r.Register(CmdWarn, CommandHandlerFunc(r.handleWarn))
	r.Register(CmdUnwarn, CommandHandlerFunc(r.handleUnwarn))
	r.Register(CmdBan, CommandHandlerFunc(r.handleBan))
	r.Register(CmdUnban, CommandHandlerFunc(r.handleUnban))
	r.Register(CmdUser, CommandHandlerFunc(r.handleUser))
	r.Register(CmdUsers, CommandHandlerFunc(r.handleUsers))
	r.Register(CmdDeleteUser, CommandHandlerFunc(r.handleDeleteUser))
	r.Register(CmdModerators, CommandHandlerFunc(r.handleModerators))
	r.Register(CmdReload, CommandHandlerFunc(r.handleReload))
}

func requireTarget(req *CommandRequest) error {
	if req.TargetID != "" {
		return nil
	}
	if info, ok := commandDocs[req.Command]; ok {
		return Rejected("Usage: %s", info.usage)
	}
	return Rejected("A valid identifier is required.")
}

func mainMenu(role Role) [][]Button {
	rows := [][]Button{
		{{Text: "📦 Pending", Data: string(CmdPending)}, {Text: "📊 Stats", Data: string(CmdStats)}},
		{{Text: "❓ Help", Data: string(CmdHelp)}},
	}
	if role == RoleAdmin {
		rows[1] = append(rows[1],
			Button{Text: "👥 Moderators", Data: string(CmdModerators)},
			Button{Text: "👤 Users", Data: string(CmdUsers)},
		)
	}
	return rows
}

func decisionButtons(listingID string) []Button {
	return []Button{
		{Text: utils.SanitizeButtonLabel("✅ Approve " + listingID), Data: string(CmdApprove) + "_" + listingID},
		{Text: utils.SanitizeButtonLabel("❌ Reject " + listingID), Data: string(CmdReject) + "_" + listingID},
	}
}

// FormatListing renders a listing card
func FormatListing(l PendingListing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📦 <b>%s</b>\n", l.Title)
	fmt.Fprintf(&b, "ID: <code>%s</code>\n", l.ID)
	fmt.Fprintf(&b, "💰 %s %s\n", formatPrice(l.Price), l.Currency)
	if l.Category != "" {
		fmt.Fprintf(&b, "🏷 %s\n", l.Category)
	}
	if l.Location != "" {
		fmt.Fprintf(&b, "📍 %s\n", l.Location)
	}
	if l.Seller.ID != "" {
		fmt.Fprintf(&b, "👤 %s (<code>%s</code>)", l.Seller.Name, l.Seller.ID)
		if l.Seller.Phone != "" {
			fmt.Fprintf(&b, " %s", l.Seller.Phone)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPrice(p float64) string {
	if p == float64(int64(p)) {
		return fmt.Sprintf("%d", int64(p))
	}
	return fmt.Sprintf("%.2f", p)
}

func (r *CommandRouter) handleStart(ctx context.Context, req *CommandRequest) (*Reply, error) {
	if req.Role == RoleAnonymous {
		return &Reply{
			Text: fmt.Sprintf("👋 Hello! This bot is for marketplace moderators.\nYour ID: <code>%s</code>", utils.SanitizeText(req.CallerID, utils.MaxIDLength)),
		}, nil
	}

	name := req.CallerName
	if m, ok := r.Roster.Get(req.CallerID); ok {
		name = m.Name
	}
	return &Reply{
		Text: fmt.Sprintf(
			"👋 Welcome, <b>%s</b>!\nRole: %s\nPending listings: %d",
			utils.SanitizeText(name, utils.MaxButtonLength), req.Role, r.Store.QueueSize(),
		),
		Buttons: mainMenu(req.Role),
	}, nil
}

func (r *CommandRouter) handleHelp(ctx context.Context, req *CommandRequest) (*Reply, error) {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, cmd := range CommandsFor(req.Role, r.Registered()) {
		info := commandDocs[cmd]
		fmt.Fprintf(&b, "%s - %s\n", info.usage, info.about)
	}
	return &Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (r *CommandRouter) handlePending(ctx context.Context, req *CommandRequest) (*Reply, error) {
	pending := r.Store.Pending()
	if len(pending) == 0 {
		return &Reply{Text: "✅ No listings are waiting for moderation.", Notice: "Queue is empty"}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📦 <b>Pending listings: %d</b>\n", len(pending))
	var rows [][]Button
	for i, l := range pending {
		if i == pendingPageSize {
			fmt.Fprintf(&b, "…and %d more", len(pending)-pendingPageSize)
			break
		}
		fmt.Fprintf(&b, "• <code>%s</code> %s - %s %s\n", l.ID, l.Title, formatPrice(l.Price), l.Currency)
		rows = append(rows, decisionButtons(l.ID))
	}
	return &Reply{Text: strings.TrimRight(b.String(), "\n"), Buttons: rows}, nil
}

func (r *CommandRouter) handleListing(ctx context.Context, req *CommandRequest) (*Reply, error) {
	if err := requireTarget(req); err != nil {
		return nil, err
	}
	l, ok := r.Store.Get(req.TargetID)
	if !ok {
		return nil, notFoundf("Listing %s is not pending.", req.TargetID)
	}
	return &Reply{Text: FormatListing(l), Buttons: [][]Button{decisionButtons(l.ID)}}, nil
}

func (r *CommandRouter) handleApprove(ctx context.Context, req *CommandRequest) (*Reply, error) {
	return r.decide(ctx, req, DecisionApproved)
}

func (r *CommandRouter) handleReject(ctx context.Context, req *CommandRequest) (*Reply, error) {
	return r.decide(ctx, req, DecisionRejected)
}

// decide removes the listing from the queue first. The queue is the
// at-most-once guard: a second decision finds nothing and reports not found.
func (r *CommandRouter) decide(ctx context.Context, req *CommandRequest, outcome Decision) (*Reply, error) {
	if err := requireTarget(req); err != nil {
		return nil, err
	}

	l, err := r.Store.Decide(req.TargetID, outcome)
	if err != nil {
		return nil, notFoundf("Listing %s was not found or has already been processed.", req.TargetID)
	}

	status := ListingStatusApproved
	action := ActionAccept
	reason := ""
	if outcome == DecisionRejected {
		status = ListingStatusRejected
		action = ActionReject
		reason = req.Reason
		if reason == "" {
			reason = defaultRejectReason
		}
	}

	if err := r.Content.SetListingStatus(ctx, l.ID, status, reason); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFoundf("Listing %s no longer exists in the marketplace.", l.ID)
		}
		r.Store.Restore(l)
		return nil, err
	}
	r.Roster.Record(req.CallerID, action)

	var text string
	if outcome == DecisionApproved {
		text = fmt.Sprintf("✅ Listing <code>%s</code> approved.\n<b>%s</b>", l.ID, l.Title)
	} else {
		text = fmt.Sprintf("❌ Listing <code>%s</code> rejected.\n<b>%s</b>\nReason: %s", l.ID, l.Title, reason)
	}
	text += fmt.Sprintf("\nPending: %d", r.Store.QueueSize())
	notice := "Approved"
	if outcome == DecisionRejected {
		notice = "Rejected"
	}
	return &Reply{Text: text, Notice: notice}, nil
}

func (r *CommandRouter) handleStats(ctx context.Context, req *CommandRequest) (*Reply, error) {
	m, _ := r.Roster.Get(req.CallerID)
	snap := r.Store.Snapshot()

	var b strings.Builder
	b.WriteString("📊 <b>Your statistics</b>\n")
	fmt.Fprintf(&b, "Approved: %d\nRejected: %d\n", m.Stats.Accepted, m.Stats.Rejected)
	if req.Role == RoleAdmin {
		fmt.Fprintf(&b, "Warnings issued: %d\nBans: %d\n", m.Stats.WarningsIssued, m.Stats.Bans)
	}
	fmt.Fprintf(&b, "\n📦 Pending: %d\n✔️ Processed today: %d", snap.Pending, snap.ProcessedToday)
	if req.Role == RoleAdmin {
		fmt.Fprintf(&b, "\n🚫 Banned users: %d", snap.Bans)
	}
	return &Reply{Text: b.String()}, nil
}

func (r *CommandRouter) guardSanction(req *CommandRequest) error {
	if err := requireTarget(req); err != nil {
		return err
	}
	if r.Store.RootAdminID != "" && req.TargetID == r.Store.RootAdminID {
		return ErrProtectedIdentity
	}
	return nil
}

// handleWarn records a warning and, once the count is at or past the
// threshold and the target is not banned yet, bans the target in the same
// call. The automatic ban is attributed to the system and does not add to
// anyone's ban counter.
func (r *CommandRouter) handleWarn(ctx context.Context, req *CommandRequest) (*Reply, error) {
	if err := r.guardSanction(req); err != nil {
		return nil, err
	}

	// Only marketplace users can be warned, the same as for bans
	user, err := r.Content.GetUser(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, notFoundf("User %s was not found.", req.TargetID)
	}

	count := r.Store.RecordWarning(req.TargetID)
	r.Roster.Record(req.CallerID, ActionWarn)

	text := fmt.Sprintf("⚠️ Warning issued to <code>%s</code> (%d/%d).", req.TargetID, count, r.WarnThreshold)
	if req.Reason != "" {
		text += "\nReason: " + req.Reason
	}

	if count >= r.WarnThreshold && !r.Store.IsBanned(req.TargetID) {
		reason := fmt.Sprintf(autoBanReasonPattern, r.WarnThreshold)
		_, created, err := r.applyBan(ctx, req.TargetID, reason, SystemIssuer)
		switch {
		case err != nil:
			r.Log.Error().
				Err(err).
				Str("kind", ErrorKind(err)).
				Str("target", req.TargetID).
				Msg("automatic ban failed")
			text += "\n❗ The automatic ban could not be applied. Retry with /ban."
		case created:
			text += fmt.Sprintf("\n🚫 Automatic ban: the user reached %d warnings.", r.WarnThreshold)
		default:
			text += "\nℹ️ The user is already banned."
		}
	}
	return &Reply{Text: text, Notice: "Warning issued"}, nil
}

func (r *CommandRouter) handleUnwarn(ctx context.Context, req *CommandRequest) (*Reply, error) {
	if err := requireTarget(req); err != nil {
		return nil, err
	}
	prev := r.Store.ClearWarnings(req.TargetID)
	return &Reply{
		Text:   fmt.Sprintf("✅ Cleared %d warning(s) for <code>%s</code>.", prev, req.TargetID),
		Notice: "Warnings cleared",
	}, nil
}

func (r *CommandRouter) handleBan(ctx context.Context, req *CommandRequest) (*Reply, error) {
	if err := r.guardSanction(req); err != nil {
		return nil, err
	}
	reason := req.Reason
	if reason == "" {
		reason = defaultBanReason
	}

	entry, created, err := r.applyBan(ctx, req.TargetID, reason, req.CallerID)
	if err != nil {
		return nil, err
	}
	if !created {
		return &Reply{
			Text:   fmt.Sprintf("ℹ️ User <code>%s</code> is already banned since %s.", entry.TargetID, entry.Timestamp.UTC().Format("2006-01-02 15:04")),
			Notice: "Already banned",
		}, nil
	}
	return &Reply{
		Text:   fmt.Sprintf("🚫 User <code>%s</code> banned.\nReason: %s", entry.TargetID, entry.Reason),
		Notice: "User banned",
	}, nil
}

// applyBan writes the ledger entry, then blocks the user at the backend. The
// entry is withdrawn when the backend refuses, so the ledger never claims a
// ban the marketplace does not enforce.
func (r *CommandRouter) applyBan(ctx context.Context, targetID, reason, issuedBy string) (BannedUser, bool, error) {
	entry, created, err := r.Store.Ban(targetID, reason, issuedBy)
	if err != nil || !created {
		return entry, created, err
	}

	if err := r.Content.SetUserBlocked(ctx, targetID, true); err != nil {
		r.Store.Unban(targetID)
		if errors.Is(err, ErrNotFound) {
			return BannedUser{}, false, notFoundf("User %s was not found.", targetID)
		}
		return BannedUser{}, false, err
	}

	if issuedBy != SystemIssuer {
		r.Roster.Record(issuedBy, ActionBan)
	}
	r.Log.Info().
		Str("target", targetID).
		Str("issued_by", utils.HashID(issuedBy)).
		Msg("user banned")
	return entry, true, nil
}

func (r *CommandRouter) handleUnban(ctx context.Context, req *CommandRequest) (*Reply, error) {
	if err := requireTarget(req); err != nil {
		return nil, err
	}
	entry, wasBanned := r.Store.BanOf(req.TargetID)

	if err := r.Content.SetUserBlocked(ctx, req.TargetID, false); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFoundf("User %s was not found.", req.TargetID)
		}
		return nil, err
	}
	r.Store.Unban(req.TargetID)

	text := fmt.Sprintf("✅ User <code>%s</code> unblocked.", req.TargetID)
	if wasBanned {
		text += fmt.Sprintf("\nPrevious ban reason: %s", entry.Reason)
	}
	return &Reply{Text: text, Notice: "User unblocked"}, nil
}

func (r *CommandRouter) handleUser(ctx context.Context, req *CommandRequest) (*Reply, error) {
	if err := requireTarget(req); err != nil {
		return nil, err
	}
	user, err := r.Content.GetUser(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, notFoundf("User %s was not found.", req.TargetID)
	}

	warnings := r.Store.Warnings(user.ID)
	ban, banned := r.Store.BanOf(user.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "👤 <b>%s</b>\n", utils.SanitizeText(user.Username, utils.MaxButtonLength))
	fmt.Fprintf(&b, "ID: <code>%s</code>\n", req.TargetID)
	if user.Email != "" {
		fmt.Fprintf(&b, "📧 %s\n", utils.SanitizeText(user.Email, utils.MaxButtonLength))
	}
	if user.Phone != "" {
		fmt.Fprintf(&b, "📱 %s\n", utils.SanitizeText(user.Phone, utils.MaxButtonLength))
	}
	status := "✅ Active"
	if user.Blocked {
		status = "🚫 Blocked"
	}
	fmt.Fprintf(&b, "Status: %s\n", status)
	fmt.Fprintf(&b, "Warnings: %d/%d", warnings, r.WarnThreshold)
	if banned {
		fmt.Fprintf(&b, "\nBanned by %s: %s", banIssuer(ban), ban.Reason)
	}

	banButton := Button{Text: "🚫 Ban", Data: string(CmdBan) + "_" + req.TargetID}
	if banned || user.Blocked {
		banButton = Button{Text: "✅ Unban", Data: string(CmdUnban) + "_" + req.TargetID}
	}
	rows := [][]Button{
		{{Text: "⚠️ Warn", Data: string(CmdWarn) + "_" + req.TargetID}, banButton},
		{{Text: "🧹 Clear warnings", Data: string(CmdUnwarn) + "_" + req.TargetID}, {Text: "🗑 Delete", Data: string(CmdDeleteUser) + "_" + req.TargetID}},
	}
	return &Reply{Text: b.String(), Buttons: rows}, nil
}

// handleUsers lists the newest marketplace users, one select button each
func (r *CommandRouter) handleUsers(ctx context.Context, req *CommandRequest) (*Reply, error) {
	users, err := r.Content.ListUsers(ctx, usersPageSize)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return &Reply{Text: "👥 No users yet."}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "👥 <b>Users</b> (%d)\n\n", len(users))
	rows := make([][]Button, 0, len(users))
	for i, u := range users {
		id, ok := utils.SanitizeID(u.ID)
		if !ok {
			continue
		}
		name := utils.SanitizeText(u.Username, utils.MaxButtonLength)
		if name == "" {
			name = id
		}

		mark, status := "✅", "Active"
		warnings := r.Store.Warnings(id)
		switch {
		case u.Blocked || r.Store.IsBanned(id):
			mark, status = "🚫", "Blocked"
		case warnings > 0:
			mark, status = "⚠️", fmt.Sprintf("%d/%d warnings", warnings, r.WarnThreshold)
		}

		fmt.Fprintf(&b, "%d. %s <b>%s</b> (<code>%s</code>) %s\n", i+1, mark, name, id, status)
		rows = append(rows, []Button{{
			Text: utils.SanitizeButtonLabel(fmt.Sprintf("%d. %s %s", i+1, name, mark)),
			Data: string(CmdUser) + "_" + id,
		}})
	}
	return &Reply{Text: strings.TrimRight(b.String(), "\n"), Buttons: rows}, nil
}

func banIssuer(b BannedUser) string {
	if b.IssuedBy == SystemIssuer {
		return "system"
	}
	return "moderator"
}

func (r *CommandRouter) handleDeleteUser(ctx context.Context, req *CommandRequest) (*Reply, error) {
	if err := r.guardSanction(req); err != nil {
		return nil, err
	}
	if err := r.Content.DeleteUser(ctx, req.TargetID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFoundf("User %s was not found.", req.TargetID)
		}
		return nil, err
	}
	r.Store.ClearWarnings(req.TargetID)
	return &Reply{Text: fmt.Sprintf("🗑 User <code>%s</code> deleted.", req.TargetID), Notice: "User deleted"}, nil
}

func (r *CommandRouter) handleModerators(ctx context.Context, req *CommandRequest) (*Reply, error) {
	var b strings.Builder
	b.WriteString("👥 <b>Moderation team</b>\n")
	for _, m := range r.Roster.All() {
		avail := "🟢"
		if !m.Available {
			avail = "⚪️"
		}
		fmt.Fprintf(&b, "%s %s (%s) ✅%d ❌%d ⚠️%d 🚫%d\n",
			avail, utils.SanitizeText(m.Name, utils.MaxButtonLength), m.Role,
			m.Stats.Accepted, m.Stats.Rejected, m.Stats.WarningsIssued, m.Stats.Bans)
	}
	return &Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (r *CommandRouter) handleReload(ctx context.Context, req *CommandRequest) (*Reply, error) {
	n, err := r.ReloadPending(ctx)
	if err != nil {
		return nil, err
	}
	return &Reply{Text: fmt.Sprintf("🔄 Queue rebuilt from the marketplace: %d pending listing(s).", n), Notice: "Queue reloaded"}, nil
}

// ReloadPending rebuilds the queue from the content backend. It runs at
// bootstrap and on an explicit /reload, never on its own.
func (r *CommandRouter) ReloadPending(ctx context.Context) (int, error) {
	listings, err := r.Content.PendingListings(ctx)
	if err != nil {
		return 0, err
	}
	clean := make([]PendingListing, 0, len(listings))
	for _, l := range listings {
		if s, ok := SanitizeListing(l); ok {
			clean = append(clean, s)
		}
	}
	r.Store.ReplacePending(clean)
	return len(clean), nil
}

// SanitizeListing scrubs a listing snapshot before it is queued. Listings
// without a valid id are dropped.
func SanitizeListing(l PendingListing) (PendingListing, bool) {
	id, ok := utils.SanitizeID(l.ID)
	if !ok {
		return PendingListing{}, false
	}
	l.ID = id
	l.Title = utils.SanitizeText(l.Title, 200)
	if l.Title == "" {
		l.Title = "Untitled"
	}
	l.Currency = utils.SanitizeText(l.Currency, 8)
	l.Category = utils.SanitizeText(l.Category, 100)
	l.Location = utils.SanitizeText(l.Location, 100)
	if sellerID, ok := utils.SanitizeID(l.Seller.ID); ok {
		l.Seller.ID = sellerID
	} else {
		l.Seller.ID = ""
	}
	l.Seller.Name = utils.SanitizeText(l.Seller.Name, 100)
	l.Seller.Phone = utils.SanitizeText(l.Seller.Phone, 32)
	return l, true
}
