package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/pynchy/pynchy/internal/channel"
)

// RunReconciliation is the slow loop that closes delivery gaps in both
// directions: it asks history-capable channels for inbound messages missed
// during gateway drops, and retries undelivered outbound ledger entries.
func (p *Pipeline) RunReconciliation(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Intervals.HistorySync.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Reconcile(ctx)
		}
	}
}

// Reconcile runs one reconciliation pass.
func (p *Pipeline) Reconcile(ctx context.Context) {
	jids, err := p.registeredJIDs()
	if err != nil {
		slog.Error("pipeline: reconcile jid list failed", "error", err)
		return
	}

	for _, ch := range p.bcast.Channels() {
		if !ch.IsConnected() {
			continue
		}
		if hc, ok := ch.(channel.HistoryChannel); ok {
			p.reconcileChannel(ctx, hc, jids)
		}
		p.bcast.RetryUndelivered(ctx, ch)
	}
}

// reconcileChannel inserts any inbound messages the gateway dropped. The
// store's duplicate tolerance makes re-insertion idempotent.
func (p *Pipeline) reconcileChannel(ctx context.Context, hc channel.HistoryChannel, jids []string) {
	since, err := p.store.GetChannelCursor(hc.Name())
	if err != nil {
		slog.Error("pipeline: channel cursor read failed", "channel", hc.Name(), "error", err)
		return
	}
	if since.IsZero() {
		since = time.Now().Add(-time.Hour)
	}

	newest := since
	for _, jid := range jids {
		if !hc.OwnsJID(jid) {
			continue
		}
		msgs, err := hc.FetchInboundSince(ctx, jid, since)
		if err != nil {
			slog.Warn("pipeline: history fetch failed", "channel", hc.Name(), "jid", jid, "error", err)
			continue
		}
		for _, m := range msgs {
			if err := p.store.StoreMessage(m); err != nil {
				slog.Warn("pipeline: history insert failed", "id", m.ID, "error", err)
				continue
			}
			if m.Timestamp.After(newest) {
				newest = m.Timestamp
			}
		}
	}
	if newest.After(since) {
		if err := p.store.SetChannelCursor(hc.Name(), newest); err != nil {
			slog.Error("pipeline: channel cursor save failed", "channel", hc.Name(), "error", err)
		}
	}
}
