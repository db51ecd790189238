package model

import "time"

type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

func (t CallType) Valid() bool { return t == CallVoice || t == CallVideo }

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallAccepted  CallStatus = "accepted"
	CallRejected  CallStatus = "rejected"
	CallMissed    CallStatus = "missed"
	CallEnded     CallStatus = "ended"
)

var callTransitions = map[CallStatus][]CallStatus{
	CallInitiated: {CallRinging, CallMissed},
	CallRinging:   {CallAccepted, CallRejected, CallMissed},
	CallAccepted:  {CallEnded},
}

// CanTransition reports whether the call state machine allows from -> to.
func CanTransition(from, to CallStatus) bool {
	for _, s := range callTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist from s.
func (s CallStatus) Terminal() bool {
	return len(callTransitions[s]) == 0
}

type Call struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	Type       CallType   `json:"type"`
	Status     CallStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	// Duration в секундах.
	Duration int         `json:"duration"`
	Caller   *UserPublic `json:"caller,omitempty"`
	Receiver *UserPublic `json:"receiver,omitempty"`
}

// Peer returns the other participant of the call relative to userID.
func (c *Call) Peer(userID string) string {
	if c.CallerID == userID {
		return c.ReceiverID
	}
	return c.CallerID
}

func (c *Call) Involves(userID string) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}
