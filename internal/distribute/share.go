// SPDX-License-Identifier: MIT

package distribute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holdernet/holdgate/internal/agent"
	"github.com/holdernet/holdgate/internal/datastore"
	"github.com/holdernet/holdgate/internal/log"
)

// ErrShareRejected is returned when a provider acknowledges a SHARED_DATA
// batch with a negative count.
var ErrShareRejected = errors.New("distribute: provider rejected shared data")

// FetchOutcome says where an item's value came from, or why it was not
// fetched at all.
type FetchOutcome interface {
	isFetchOutcome()
}

// Skip means the item was already shared with the provider; the upstream
// source was never contacted.
type Skip struct{}

// Fresh carries a value fetched from the upstream source.
type Fresh struct {
	Value json.RawMessage
}

// Cached carries a value served from the item cache.
type Cached struct {
	Value json.RawMessage
}

func (Skip) isFetchOutcome()   {}
func (Fresh) isFetchOutcome()  {}
func (Cached) isFetchOutcome() {}

// ShareItem names one item to share and how to fetch it.
type ShareItem struct {
	DataSourceID string
	DataItemID   string
	Fetch        Fetcher
}

// ShareReport summarises one pull-share round.
type ShareReport struct {
	Sent    []string `json:"sent"`
	Skipped []string `json:"skipped"`
	Acked   int      `json:"acked"`
}

// Share resolves each item through the dedup ledger and cache, sends the
// resulting batch as one SHARED_DATA message, and waits for the provider's
// acknowledgement. Items already shared with this provider are skipped
// before any upstream fetch happens.
func (e *Engine) Share(ctx context.Context, serviceProviderID string, items []ShareItem) (ShareReport, error) {
	rec, err := e.providers.Get(ctx, serviceProviderID)
	if err != nil {
		return ShareReport{}, err
	}

	var report ShareReport
	var batch []agent.SharedItem
	var fresh []agent.SharedItem
	for _, item := range items {
		outcome, err := e.resolveItem(ctx, serviceProviderID, item)
		if err != nil {
			return ShareReport{}, err
		}

		ref := item.DataSourceID + "/" + item.DataItemID
		switch o := outcome.(type) {
		case Skip:
			report.Skipped = append(report.Skipped, ref)
		case Fresh:
			shared := agent.SharedItem{DataSourceID: item.DataSourceID, DataItemID: item.DataItemID, Data: o.Value}
			batch = append(batch, shared)
			fresh = append(fresh, shared)
			report.Sent = append(report.Sent, ref)
		case Cached:
			batch = append(batch, agent.SharedItem{DataSourceID: item.DataSourceID, DataItemID: item.DataItemID, Data: o.Value})
			report.Sent = append(report.Sent, ref)
		}
	}

	if len(batch) == 0 {
		return report, nil
	}

	messageID := agent.NewMessageID(rec.ConnectionID)
	content, err := agent.EncodeContent(messageID, agent.SharedData{Items: batch})
	if err != nil {
		return ShareReport{}, err
	}

	pending, err := e.acks.Register(messageID)
	if err != nil {
		return ShareReport{}, err
	}
	if err := e.agent.SendBasicMessage(ctx, rec.ConnectionID, content); err != nil {
		e.acks.Cancel(messageID)
		return ShareReport{}, fmt.Errorf("%w: %s: %w", ErrProviderSend, serviceProviderID, err)
	}

	count, err := pending.Await(ctx)
	if err != nil {
		return ShareReport{}, err
	}
	report.Acked = count

	if count < 0 {
		e.logger.Warn().
			Str("event", "distribute.share_rejected").
			Str(log.FieldProviderID, serviceProviderID).
			Int("ack", count).
			Msg("provider rejected shared data batch")
		return report, ErrShareRejected
	}

	// Only an accepted batch counts as shared.
	for _, item := range batch {
		if err := e.ledger.MarkShared(ctx, item.DataSourceID, item.DataItemID, serviceProviderID); err != nil {
			return report, err
		}
		if err := e.history.AppendActivity(ctx, datastore.Activity{
			ServiceProviderID: serviceProviderID,
			DataSourceID:      item.DataSourceID,
			DataItemID:        item.DataItemID,
			Data:              item.Data,
		}); err != nil {
			return report, err
		}
	}
	for _, item := range fresh {
		if err := e.ledger.StoreCached(ctx, item.DataSourceID, item.DataItemID, item.Data); err != nil {
			return report, err
		}
	}

	e.logger.Info().
		Str("event", "distribute.shared").
		Str(log.FieldProviderID, serviceProviderID).
		Int("items", len(batch)).
		Int("ack", count).
		Msg("shared data batch acknowledged")
	return report, nil
}

// resolveItem applies the dedup-before-fetch rule: ledger first, cache
// second, upstream last.
func (e *Engine) resolveItem(ctx context.Context, serviceProviderID string, item ShareItem) (FetchOutcome, error) {
	shared, err := e.ledger.AlreadyShared(ctx, item.DataSourceID, item.DataItemID, serviceProviderID)
	if err != nil {
		return nil, err
	}
	if shared {
		return Skip{}, nil
	}

	cached, err := e.ledger.CachedValue(ctx, item.DataSourceID, item.DataItemID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return Cached{Value: cached}, nil
	}

	if item.Fetch == nil {
		return nil, fmt.Errorf("distribute: no fetcher for %s/%s", item.DataSourceID, item.DataItemID)
	}
	value, err := item.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("distribute: fetch %s/%s: %w", item.DataSourceID, item.DataItemID, err)
	}
	return Fresh{Value: value}, nil
}

// OnSharedDataAck resolves the waiter for a SHARED_DATA batch.
func (e *Engine) OnSharedDataAck(messageID string, count int) {
	e.acks.Resolve(messageID, count)
}
