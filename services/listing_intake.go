package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/godocompany/market-moderation/utils"
	"github.com/rs/zerolog"
)

// ListingEvent is the webhook body the content backend posts when a listing
// changes
type ListingEvent struct {
	Event string       `json:"event"`
	Model string       `json:"model"`
	Entry ListingEntry `json:"entry"`
}

// ListingEntry is the listing inside a webhook. Relations arrive either
// populated or as bare ids.
type ListingEntry struct {
	ID        FlexString  `json:"id"`
	Title     string      `json:"title"`
	Name      string      `json:"name"`
	Price     json.Number `json:"price"`
	Currency  string      `json:"currency"`
	Category  interface{} `json:"category"`
	Location  string      `json:"location"`
	Status    string      `json:"status"`
	Seller    interface{} `json:"seller"`
	CreatedAt *time.Time  `json:"createdAt"`
}

// Intake results
const (
	IntakeQueued    = "queued"
	IntakeUpdated   = "updated"
	IntakeWithdrawn = "withdrawn"
	IntakeIgnored   = "ignored"
)

// ListingIntake feeds listing webhooks into the moderation queue. Moderator
// notifications are sent in the background so the webhook reply never waits
// on the chat transport.
type ListingIntake struct {
	Store    *SessionStore
	Notifier *ModerationNotifier
	Log      zerolog.Logger

	wg sync.WaitGroup
}

func isListingModel(model string) bool {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case "product", "products", "listing", "listings":
		return true
	}
	return false
}

// Handle applies one webhook event and reports what it did
func (in *ListingIntake) Handle(ctx context.Context, ev ListingEvent) (string, error) {
	if !isListingModel(ev.Model) {
		return in.result(ev, IntakeIgnored, ""), nil
	}

	l, ok := SanitizeListing(ev.Entry.toPending())
	if !ok {
		return "", Rejected("Invalid listing id.")
	}

	switch ev.Event {
	case "entry.create", "entry.update", "entry.publish":

		// Anything no longer pending was decided elsewhere
		if !ev.Entry.pending() {
			if in.Store.Withdraw(l.ID) {
				return in.result(ev, IntakeWithdrawn, l.ID), nil
			}
			return in.result(ev, IntakeIgnored, l.ID), nil
		}

		updated := in.Store.Enqueue(l)
		in.notify(ctx, l, updated)
		if updated {
			return in.result(ev, IntakeUpdated, l.ID), nil
		}
		return in.result(ev, IntakeQueued, l.ID), nil

	case "entry.delete", "entry.unpublish":
		if in.Store.Withdraw(l.ID) {
			return in.result(ev, IntakeWithdrawn, l.ID), nil
		}
	}
	return in.result(ev, IntakeIgnored, l.ID), nil
}

// notify outlives the webhook request, so it drops the request's cancellation
func (in *ListingIntake) notify(ctx context.Context, l PendingListing, updated bool) {
	if in.Notifier == nil {
		return
	}
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.Notifier.NotifyNewListing(context.WithoutCancel(ctx), l, updated)
	}()
}

// Wait blocks until every background notification has been sent
func (in *ListingIntake) Wait() {
	in.wg.Wait()
}

func (in *ListingIntake) result(ev ListingEvent, outcome, listingID string) string {
	webhookEventsTotal.WithLabelValues(outcome).Inc()
	in.Log.Debug().
		Str("event", utils.SanitizeText(ev.Event, 32)).
		Str("model", utils.SanitizeText(ev.Model, 32)).
		Str("listing", listingID).
		Str("outcome", outcome).
		Msg("listing webhook")
	return outcome
}

// New entries have no status yet
func (e *ListingEntry) pending() bool {
	status := strings.ToLower(strings.TrimSpace(e.Status))
	return status == "" || status == "pending"
}

func (e *ListingEntry) toPending() PendingListing {
	p := PendingListing{
		ID:       string(e.ID),
		Title:    e.Title,
		Currency: e.Currency,
		Category: categoryName(e.Category),
		Location: e.Location,
		Seller:   sellerSnapshot(e.Seller),
	}
	if p.Title == "" {
		p.Title = e.Name
	}
	if price, err := e.Price.Float64(); err == nil {
		p.Price = price
	}
	if e.CreatedAt != nil {
		p.ReceivedAt = *e.CreatedAt
	}
	return p
}

// sellerSnapshot accepts a populated seller or a bare id
func sellerSnapshot(v interface{}) SellerSnapshot {
	switch s := v.(type) {
	case string:
		return SellerSnapshot{ID: s}
	case float64:
		return SellerSnapshot{ID: fmt.Sprintf("%.0f", s)}
	case json.Number:
		return SellerSnapshot{ID: s.String()}
	case map[string]interface{}:
		snap := SellerSnapshot{ID: sellerSnapshot(s["id"]).ID}
		snap.Name, _ = s["username"].(string)
		snap.Phone, _ = s["phone"].(string)
		return snap
	}
	return SellerSnapshot{}
}
