package events

import (
	"encoding/json"
	"time"
)

// Event types published by the engine.
const (
	TypePing             = "ping"
	TypePostingUpserted  = "posting.upserted"
	TypePostingStatus    = "posting.status"
	TypeApplicationState = "application.state"
	TypeApprovalPending  = "approval.pending"
	TypeApprovalDecided  = "approval.decided"
	TypeSessionRetired   = "session.retired"
	TypeDiscoveryRun     = "discovery.run"
)

type Event struct {
	Type      string          `json:"type"`
	Version   int             `json:"v"`
	At        time.Time       `json:"at"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func MakeEvent(reqID, typ string, v int, data any) string {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	e := Event{
		Type:      typ,
		Version:   v,
		At:        time.Now().UTC(),
		RequestID: reqID,
		Data:      raw,
	}
	b, _ := json.Marshal(e)
	return string(b)
}

// ApplicationChange is the payload of TypeApplicationState.
type ApplicationChange struct {
	ID        string `json:"id"`
	PostingID int64  `json:"postingId"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// PostingChange is the payload of the posting events.
type PostingChange struct {
	ID     int64  `json:"id"`
	Key    string `json:"key"`
	Status string `json:"status,omitempty"`
	Note   string `json:"note,omitempty"`
}
