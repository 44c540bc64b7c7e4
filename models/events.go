package models

import "time"

// QuotaDeltaEvent is published whenever stored bytes change for an owner.
type QuotaDeltaEvent struct {
	EventId    string    `json:"event_id"`
	OwnerId    string    `json:"owner_id"`
	DeltaBytes int64     `json:"delta_bytes"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}
