package domain

import "time"

// EventType is a lifecycle event reported by a bot agent.
type EventType string

// Status-class events: emitting one also advances the bot's status.
const (
	EventDeploying     EventType = "DEPLOYING"
	EventJoiningCall   EventType = "JOINING_CALL"
	EventInWaitingRoom EventType = "IN_WAITING_ROOM"
	EventInCall        EventType = "IN_CALL"
	EventCallEnded     EventType = "CALL_ENDED"
	EventDone          EventType = "DONE"
	EventFatal         EventType = "FATAL"
)

// Non-status events: appended to the event log only.
const (
	EventParticipantJoin  EventType = "PARTICIPANT_JOIN"
	EventParticipantLeave EventType = "PARTICIPANT_LEAVE"
	EventLog              EventType = "LOG"
	EventSignInRequired   EventType = "SIGN_IN_REQUIRED"
	EventCaptchaDetected  EventType = "CAPTCHA_DETECTED"
	EventMeetingNotFound  EventType = "MEETING_NOT_FOUND"
	EventMeetingEnded     EventType = "MEETING_ENDED"
	EventPermissionDenied EventType = "PERMISSION_DENIED"
	EventJoinBlocked      EventType = "JOIN_BLOCKED"
	EventRestarting       EventType = "RESTARTING"
)

// Sub-codes carried in event data for well-known failure modes.
const (
	SubCodeQueueTimeout          = "QUEUE_TIMEOUT"
	SubCodeDurationLimitExceeded = "DURATION_LIMIT_EXCEEDED"
)

// IsStatusEvent returns true if emitting the event updates bot status.
func (e EventType) IsStatusEvent() bool {
	switch e {
	case EventDeploying, EventJoiningCall, EventInWaitingRoom,
		EventInCall, EventCallEnded, EventDone, EventFatal:
		return true
	}
	return false
}

// IsValidEventType returns true if the event type is recognized.
func IsValidEventType(e EventType) bool {
	if e.IsStatusEvent() {
		return true
	}
	switch e {
	case EventParticipantJoin, EventParticipantLeave, EventLog,
		EventSignInRequired, EventCaptchaDetected, EventMeetingNotFound,
		EventMeetingEnded, EventPermissionDenied, EventJoinBlocked,
		EventRestarting:
		return true
	}
	return false
}

// Status returns the bot status a status-class event projects to.
// Returns "" for non-status events.
func (e EventType) Status() BotStatus {
	switch e {
	case EventDeploying:
		return StatusDeploying
	case EventJoiningCall:
		return StatusJoiningCall
	case EventInWaitingRoom:
		return StatusInWaitingRoom
	case EventInCall:
		return StatusInCall
	case EventCallEnded:
		return StatusCallEnded
	case EventDone:
		return StatusDone
	case EventFatal:
		return StatusFatal
	}
	return ""
}

// EventData is the optional payload attached to an event.
type EventData struct {
	Description string `json:"description,omitempty"`
	SubCode     string `json:"sub_code,omitempty"`
}

// Event is one append-only record in a bot's event log.
type Event struct {
	ID        int64      `json:"id"`
	BotID     int64      `json:"bot_id"`
	Type      EventType  `json:"event_type"`
	EventTime time.Time  `json:"event_time"`
	Data      *EventData `json:"data,omitempty"`
}
