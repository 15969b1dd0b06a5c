package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/warp/expense-fund/billing"
)

// DeficitMessage is the body of a billing alert on the wire. Amounts are
// decimal strings.
type DeficitMessage struct {
	MessageID    string    `json:"message_id"`
	Type         string    `json:"type"`
	StudentID    string    `json:"student_id"`
	AcademicYear string    `json:"academic_year"`
	Deficit      string    `json:"deficit"`
	EntryID      string    `json:"entry_id,omitempty"`
	FundVersion  int64     `json:"fund_version"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewDeficitMessage creates a message with a fresh id.
func NewDeficitMessage(a billing.Alert) *DeficitMessage {
	at := a.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return &DeficitMessage{
		MessageID:    uuid.NewString(),
		Type:         string(a.Kind),
		StudentID:    string(a.StudentID),
		AcademicYear: string(a.AcademicYear),
		Deficit:      a.Deficit.String(),
		EntryID:      string(a.EntryID),
		FundVersion:  a.FundVersion,
		OccurredAt:   at,
	}
}

// ToJSON converts the message to JSON bytes
func (m *DeficitMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// DeficitMessageFromJSON parses a message body.
func DeficitMessageFromJSON(data []byte) (*DeficitMessage, error) {
	var msg DeficitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
