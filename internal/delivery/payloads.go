package delivery

import (
	"chatrelay/internal/models"
	"chatrelay/pkg/protocol"
)

func receivePayload(m *models.Message, isRetry bool) protocol.ReceiveMessage {
	return protocol.ReceiveMessage{
		MessageID:       m.MessageID,
		Text:            m.Text,
		Sender:          m.Sender,
		SequenceNumber:  m.SequenceNumber,
		Status:          string(m.Status),
		Attempts:        m.Attempts,
		Delivered:       m.Delivered,
		Acknowledged:    m.Acknowledged,
		Timestamp:       m.Timestamp,
		DeliveredAt:     m.DeliveredAt,
		LastAttemptAt:   m.LastAttemptAt,
		Error:           wireError(m.Error),
		RequiresAck:     true,
		DeduplicationID: m.DeduplicationID(),
		IsRetry:         isRetry,
	}
}

func ackPayload(m *models.Message) protocol.MessageAck {
	return protocol.MessageAck{
		MessageID:      m.MessageID,
		Status:         string(m.Status),
		SequenceNumber: m.SequenceNumber,
	}
}

func statusPayload(m *models.Message) protocol.MessageStatus {
	ts := m.UpdatedAt
	if m.Error != nil {
		ts = m.Error.Timestamp
	}
	return protocol.MessageStatus{
		MessageID: m.MessageID,
		Status:    string(m.Status),
		Error:     wireError(m.Error),
		Timestamp: protocol.Millis(ts),
	}
}

func wireError(e *models.MessageError) *protocol.MessageError {
	if e == nil {
		return nil
	}
	return &protocol.MessageError{Message: e.Message, Code: e.Code, Timestamp: e.Timestamp}
}
