package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ModerationNotifier pushes unsolicited messages to the moderation team
type ModerationNotifier struct {
	Transport BotTransport
	Roster    *Roster
	Timeout   time.Duration
	Log       zerolog.Logger
}

// NotifyNewListing announces a listing to every available roster member,
// with approve and reject buttons. It returns how many deliveries succeeded.
func (n *ModerationNotifier) NotifyNewListing(ctx context.Context, l PendingListing, updated bool) int {
	header := "🆕 <b>New listing for moderation</b>"
	if updated {
		header = "✏️ <b>Listing updated, needs moderation</b>"
	}
	return n.broadcast(ctx, "new_listing", &Reply{
		Text:    header + "\n\n" + FormatListing(l),
		Buttons: [][]Button{decisionButtons(l.ID)},
	})
}

// AnnounceStartup tells the team the bot is back, with the queue size after
// the bootstrap reload.
func (n *ModerationNotifier) AnnounceStartup(ctx context.Context, pending int) int {
	return n.broadcast(ctx, "startup", &Reply{
		Text:    fmt.Sprintf("🤖 Moderation bot started.\n📦 Pending listings: %d", pending),
		Buttons: [][]Button{{{Text: "📦 Pending", Data: string(CmdPending)}}},
	})
}

func (n *ModerationNotifier) broadcast(ctx context.Context, op string, reply *Reply) int {
	delivered := 0
	for _, m := range n.Roster.Available() {

		// Private chats with the bot share the member's user id
		chatID, err := strconv.ParseInt(m.ID, 10, 64)
		if err != nil {
			continue
		}

		sendCtx, cancel := n.sendContext(ctx)
		err = n.Transport.Send(sendCtx, chatID, reply)
		cancel()
		if err != nil {
			transportFailuresTotal.WithLabelValues(op).Inc()
			n.Log.Warn().
				Err(err).
				Str("kind", KindTransport).
				Str("op", op).
				Str("role", m.Role.String()).
				Msg("moderator notification failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (n *ModerationNotifier) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if n.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.Timeout)
}
