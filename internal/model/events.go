package model

import "time"

// EventType 票号生命周期事件类型
type EventType string

const (
	EventReserved  EventType = "reserved"
	EventFinalized EventType = "finalized"
	EventIssued    EventType = "issued"
	EventExpired   EventType = "expired"
	EventReleased  EventType = "released"
)

// TicketEvent Kafka票号事件，不携带购买人隐私信息
type TicketEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	RaffleID   int64     `json:"raffleId"`
	Numbers    []int     `json:"numbers,omitempty"`
	Count      int       `json:"count"`
	PurchaseID string    `json:"purchaseId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
