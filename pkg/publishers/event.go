package publishers

import "time"

// Event kinds emitted by the pipeline after a storage commit.
const (
	KindListingCreated = "listing_created"
	KindPriceChanged   = "price_changed"
	KindDealCompleted  = "deal_completed"
)

// Event is the change notification published downstream. Prices are minor
// units; Old/NewPrice are only set for price changes.
type Event struct {
	Source     string    `json:"source"`
	Kind       string    `json:"kind"`
	ExternalID string    `json:"external_id"`
	OldPrice   *int64    `json:"old_price,omitempty"`
	NewPrice   *int64    `json:"new_price,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent constructs an Event stamped with the current time.
func NewEvent(source, kind, externalID string) Event {
	return Event{
		Source:     source,
		Kind:       kind,
		ExternalID: externalID,
		OccurredAt: time.Now().UTC(),
	}
}

// NewPriceChange constructs a price change event carrying the transition.
func NewPriceChange(source, externalID string, oldPrice, newPrice *int64) Event {
	evt := NewEvent(source, KindPriceChanged, externalID)
	evt.OldPrice = oldPrice
	evt.NewPrice = newPrice
	return evt
}
