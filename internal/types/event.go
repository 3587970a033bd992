package types

import "time"

type EventType string

const (
	EventPositionOpened  EventType = "position_opened"
	EventPositionUpdated EventType = "position_updated"
	EventPositionClosed  EventType = "position_closed"
)

const (
	CloseReasonUser       string = "user_close"
	CloseReasonCloseAll   string = "close_all"
	CloseReasonTakeProfit string = "take_profit"
	CloseReasonStopLoss   string = "stop_loss"
)

// Event is the structured notification emitted on every position mutation.
// Delivery is fire-and-forget; consumers must never block the emitting path.
type Event struct {
	Type       EventType `json:"type"`
	Position   Position  `json:"position"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
