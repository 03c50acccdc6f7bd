package services

import (
	"context"
	"time"

	"github.com/godocompany/market-moderation/utils"
	"github.com/rs/zerolog"
)

// BotTransport is the moderation bot provider
type BotTransport interface {

	// Updates fetches at most limit events with an update id of at least offset
	Updates(ctx context.Context, offset, limit int) ([]InboundEvent, error)

	// Send delivers a reply to a chat
	Send(ctx context.Context, chatID int64, reply *Reply) error

	// AnswerCallback acknowledges a button press
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

const maxPollBackoff = 30 * time.Second

// BotPoller owns the long-poll cursor. Events of one batch are dispatched one
// at a time in arrival order.
type BotPoller struct {
	Transport BotTransport
	Router    *CommandRouter
	Interval  time.Duration
	BatchSize int
	Log       zerolog.Logger

	offset int
}

// Offset is the next update id the poller will ask for
func (p *BotPoller) Offset() int {
	return p.offset
}

// Run polls until ctx is done. Failed polls back off up to maxPollBackoff.
func (p *BotPoller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	p.Log.Info().
		Dur("interval", interval).
		Int("batch_size", p.batchSize()).
		Msg("bot poller started")

	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			p.Log.Info().Int("offset", p.offset).Msg("bot poller stopped")
			return ctx.Err()
		case <-time.After(wait):
		}

		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait = nextBackoff(wait, interval)
			p.Log.Warn().
				Err(err).
				Str("kind", KindTransport).
				Dur("retry_in", wait).
				Msg("bot poll failed")
			continue
		}
		wait = interval
	}
}

func nextBackoff(prev, base time.Duration) time.Duration {
	if prev < base {
		return base
	}
	next := prev * 2
	if next > maxPollBackoff {
		return maxPollBackoff
	}
	return next
}

func (p *BotPoller) batchSize() int {
	if p.BatchSize <= 0 {
		return 100
	}
	return p.BatchSize
}

// PollOnce fetches one batch and dispatches it. The offset moves past every
// event, handled or not, so a poisoned update is never fetched twice.
func (p *BotPoller) PollOnce(ctx context.Context) (int, error) {
	events, err := p.Transport.Updates(ctx, p.offset, p.batchSize())
	if err != nil {
		transportFailuresTotal.WithLabelValues("get_updates").Inc()
		return 0, err
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		p.handle(ctx, ev)
		if ev.UpdateID >= p.offset {
			p.offset = ev.UpdateID + 1
		}
	}
	return len(events), nil
}

func (p *BotPoller) handle(ctx context.Context, ev InboundEvent) {
	reply := p.Router.Dispatch(ctx, ev)

	if ev.IsCallback() {
		notice := ""
		if reply != nil {
			notice = utils.SanitizeText(reply.Notice, 200)
		}
		if err := p.Transport.AnswerCallback(ctx, ev.CallbackID, notice); err != nil {
			p.deliveryFailed("answer_callback", ev, err)
		}
	}

	if reply == nil || ev.ChatID == 0 {
		return
	}
	if err := p.Transport.Send(ctx, ev.ChatID, reply); err != nil {
		p.deliveryFailed("send_message", ev, err)
	}
}

// deliveryFailed logs a failed outbound call. It is never retried: the
// operator re-runs the command if the reply matters.
func (p *BotPoller) deliveryFailed(op string, ev InboundEvent, err error) {
	transportFailuresTotal.WithLabelValues(op).Inc()
	p.Log.Error().
		Err(err).
		Str("kind", KindTransport).
		Str("op", op).
		Str("caller", utils.HashID(ev.CallerID)).
		Int("update_id", ev.UpdateID).
		Msg("bot delivery failed")
}
