// Package protocol defines the event names and payloads exchanged between
// chat clients and the relay server.
package protocol

import (
	"encoding/json"
	"time"
)

// Event names. Field names of the payloads below are the wire contract.
const (
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventMessageAck     = "messageAck"
	EventMessageStatus  = "messageStatus"
	EventVideoSignal    = "videoSignal"
	EventVideoState     = "videoState"
	EventVideoError     = "videoError"
	EventRegisterUser   = "registerUser"
	EventError          = "error"
	EventServerShutdown = "serverShutdown"

	// EventAck answers an envelope that asked for acknowledgment.
	EventAck = "ack"
)

// Message statuses as they appear on the wire.
const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusRetrying  = "retrying"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// SignalType is the kind of WebRTC handshake payload being relayed.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Valid reports whether t is offer, answer or candidate.
func (t SignalType) Valid() bool {
	return t == SignalOffer || t == SignalAnswer || t == SignalCandidate
}

// ReasonUserDisconnected marks the synthetic video state sent on disconnect.
const ReasonUserDisconnected = "user_disconnected"

// SendMessage is sent by a client to submit a chat message.
type SendMessage struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
	IsRetry   bool   `json:"isRetry"`
}

// ReceiveMessage is a delivery of a stored message to every client.
type ReceiveMessage struct {
	MessageID       string        `json:"messageId"`
	Text            string        `json:"text"`
	Sender          string        `json:"sender"`
	SequenceNumber  int64         `json:"sequenceNumber"`
	Status          string        `json:"status"`
	Attempts        int           `json:"attempts"`
	Delivered       bool          `json:"delivered"`
	Acknowledged    bool          `json:"acknowledged"`
	Timestamp       time.Time     `json:"timestamp"`
	DeliveredAt     *time.Time    `json:"deliveredAt,omitempty"`
	LastAttemptAt   *time.Time    `json:"lastAttemptAt,omitempty"`
	Error           *MessageError `json:"error,omitempty"`
	RequiresAck     bool          `json:"requiresAck"`
	DeduplicationID string        `json:"deduplicationId"`
	IsRetry         bool          `json:"isRetry,omitempty"`
}

// MessageAck confirms a message status. Clients send it with status
// delivered after rendering; the server broadcasts it after persisting.
type MessageAck struct {
	MessageID      string `json:"messageId"`
	Status         string `json:"status,omitempty"`
	SequenceNumber int64  `json:"sequenceNumber,omitempty"`
	Error          string `json:"error,omitempty"`
}

// MessageError is the reason attached to a failed message.
type MessageError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageStatus announces a terminal status change such as failed.
type MessageStatus struct {
	MessageID string        `json:"messageId"`
	Status    string        `json:"status"`
	Error     *MessageError `json:"error,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// VideoSignal carries an opaque WebRTC handshake payload.
type VideoSignal struct {
	Signal       json.RawMessage `json:"signal"`
	From         string          `json:"from,omitempty"`
	FromUser     string          `json:"fromUser,omitempty"`
	VideoEnabled bool            `json:"videoEnabled"`
	Type         SignalType      `json:"type"`
	Timestamp    int64           `json:"timestamp"`
	Retry        int             `json:"retry,omitempty"`
}

// VideoState announces a participant's camera state.
type VideoState struct {
	UserID          string             `json:"userId,omitempty"`
	VideoEnabled    bool               `json:"videoEnabled"`
	Timestamp       int64              `json:"timestamp"`
	ConnectionState string             `json:"connectionState,omitempty"`
	ConnectionID    string             `json:"connectionId,omitempty"`
	Disconnected    bool               `json:"disconnected,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	Retry           int                `json:"retry,omitempty"`
	States          []ParticipantVideo `json:"states,omitempty"`
}

// ParticipantVideo is one entry of the state snapshot sent on registration.
type ParticipantVideo struct {
	UserID          string `json:"userId"`
	VideoEnabled    bool   `json:"videoEnabled"`
	ConnectionState string `json:"connectionState"`
}

// VideoError reports that a signal could not be delivered.
type VideoError struct {
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// RegisterUser binds a connection to a user id.
type RegisterUser struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorPayload reports a rejected request.
type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ServerShutdown is broadcast before the server stops.
type ServerShutdown struct {
	Timestamp int64 `json:"timestamp"`
}

// Millis converts t to the millisecond timestamps used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
