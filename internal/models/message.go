package models

import (
	"fmt"
	"time"
)

// MessageStatus is the delivery state of a chat message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSending   MessageStatus = "sending"
	StatusRetrying  MessageStatus = "retrying"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusRetrying, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s MessageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// MessageError records why a message ended up failed.
type MessageError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is the server's durable record of a chat message.
type Message struct {
	MessageID      string        `json:"messageId"`
	Text           string        `json:"text"`
	Sender         string        `json:"sender"`
	SequenceNumber int64         `json:"sequenceNumber"`
	Status         MessageStatus `json:"status"`
	Attempts       int           `json:"attempts"`
	Delivered      bool          `json:"delivered"`
	Acknowledged   bool          `json:"acknowledged"`
	Timestamp      time.Time     `json:"timestamp"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty"`
	LastAttemptAt  *time.Time    `json:"lastAttemptAt,omitempty"`
	Error          *MessageError `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// DeduplicationID identifies one delivery attempt of the message.
func (m *Message) DeduplicationID() string {
	return fmt.Sprintf("%s-%d", m.MessageID, m.Attempts)
}

// CanRetry reports whether another delivery attempt is allowed.
func (m *Message) CanRetry(maxAttempts int) bool {
	return !m.Status.Terminal() && m.Attempts < maxAttempts
}

// StatusUpdate lists the fields a status change writes. Nil fields are left
// untouched.
type StatusUpdate struct {
	Status        *MessageStatus
	Attempts      *int
	Delivered     *bool
	Acknowledged  *bool
	DeliveredAt   *time.Time
	LastAttemptAt *time.Time
	Error         *MessageError
	ClearError    bool
}

// SetStatus is a convenience for building updates.
func (u StatusUpdate) SetStatus(s MessageStatus) StatusUpdate {
	u.Status = &s
	return u
}

// Ack builds the update for an acknowledgment carrying status.
func Ack(status MessageStatus, now time.Time) StatusUpdate {
	delivered := status == StatusDelivered
	acknowledged := true
	u := StatusUpdate{Delivered: &delivered, Acknowledged: &acknowledged}.SetStatus(status)
	if delivered {
		u.DeliveredAt = &now
	}
	return u
}

// Attempt builds the update for one more delivery attempt.
func Attempt(attempts int, now time.Time) StatusUpdate {
	u := StatusUpdate{Attempts: &attempts, LastAttemptAt: &now}.SetStatus(StatusSending)
	return u
}

// Failure builds the terminal failed update.
func Failure(code, reason string, now time.Time) StatusUpdate {
	u := StatusUpdate{Error: &MessageError{Message: reason, Code: code, Timestamp: now}}.SetStatus(StatusFailed)
	return u
}

// MessageFilter narrows listing and range queries. Zero values match all.
type MessageFilter struct {
	Sender string
	Status MessageStatus
}

// StatusCount is the number of messages in one status.
type StatusCount struct {
	Status MessageStatus `json:"status"`
	Count  int64         `json:"count"`
}

// DeliveryStatistics summarizes messages created in a time range.
type DeliveryStatistics struct {
	Total           int64   `json:"total"`
	Delivered       int64   `json:"delivered"`
	Failed          int64   `json:"failed"`
	InFlight        int64   `json:"inFlight"`
	AverageAttempts float64 `json:"averageAttempts"`
	DeliveryRate    float64 `json:"deliveryRate"`
}

// MessageQuery pages through stored messages, newest first.
type MessageQuery struct {
	MessageFilter
	Start *time.Time
	End   *time.Time
	Page  int
	Limit int
}
