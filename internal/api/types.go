package api

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// LossEvent is one provisioning loss as streamed to websocket clients.
type LossEvent struct {
	ID      string     `json:"id"`
	Address netip.Addr `json:"address"`
	Message string     `json:"message"`
	Time    time.Time  `json:"time"`
}

func NewLossEvent(addr netip.Addr, message string) LossEvent {
	return LossEvent{
		ID:      uuid.NewString(),
		Address: addr,
		Message: message,
		Time:    time.Now().UTC(),
	}
}
