package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/jbellard/stockline-backend/pkg/errors"
)

// Lane identifies one of the two durable settlement queues.
type Lane string

const (
	LaneImmediate Lane = "immediate"
	LaneDeferred  Lane = "deferred"
)

func (l Lane) IsValid() bool {
	return l == LaneImmediate || l == LaneDeferred
}

func (l Lane) String() string {
	return string(l)
}

// MessageTypeStockVerification is the only envelope type carried on the
// settlement lanes today.
const MessageTypeStockVerification = "STOCK_VERIFICATION"

// Envelope is the wire frame for every queued message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StockVerificationItem is one order line inside a verification payload.
type StockVerificationItem struct {
	ProductID  uuid.UUID `json:"productId"`
	Quantity   int       `json:"quantity"`
	IsQueuable bool      `json:"isQueuable"`
}

// StockVerificationData is the payload routed to the settlement worker.
type StockVerificationData struct {
	OrderID             uuid.UUID               `json:"orderId"`
	HasQueuableProducts bool                    `json:"hasQueuableProducts"`
	Reason              string                  `json:"reason,omitempty"`
	Items               []StockVerificationItem `json:"items"`
}

// StockVerificationMessage pairs the envelope type with its decoded payload.
type StockVerificationMessage struct {
	Data StockVerificationData
}

// LaneHint derives the lane a payload belongs on from its content: queuable
// items or a deferral reason mean deferred. Used as a fallback when the
// caller did not pass an explicit lane.
func (m StockVerificationMessage) LaneHint() Lane {
	if m.Data.HasQueuableProducts || m.Data.Reason != "" {
		return LaneDeferred
	}
	return LaneImmediate
}

// Encode wraps the payload in the wire envelope.
func (m StockVerificationMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal stock verification data: %w", err)
	}
	return json.Marshal(Envelope{Type: MessageTypeStockVerification, Data: data})
}

// DecodeStockVerification parses a raw delivery body back into a message.
// Unknown envelope types and malformed payloads return a validation error so
// consumers can decide between drop and requeue.
func DecodeStockVerification(body []byte) (StockVerificationMessage, error) {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return StockVerificationMessage{}, apperrors.Wrap(apperrors.CodeValidation, err, "malformed queue envelope")
	}
	if envelope.Type != MessageTypeStockVerification {
		return StockVerificationMessage{}, apperrors.Newf(apperrors.CodeValidation, "unsupported message type %q", envelope.Type)
	}
	var data StockVerificationData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return StockVerificationMessage{}, apperrors.Wrap(apperrors.CodeValidation, err, "malformed stock verification payload")
	}
	if data.OrderID == uuid.Nil {
		return StockVerificationMessage{}, apperrors.New(apperrors.CodeValidation, "stock verification payload missing order id")
	}
	return StockVerificationMessage{Data: data}, nil
}
