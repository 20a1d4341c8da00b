package domain

import "testing"

func TestIsStatusEvent(t *testing.T) {
	statusEvents := []EventType{
		EventDeploying, EventJoiningCall, EventInWaitingRoom,
		EventInCall, EventCallEnded, EventDone, EventFatal,
	}
	for _, e := range statusEvents {
		if !e.IsStatusEvent() {
			t.Errorf("%s should be a status event", e)
		}
		if e.Status() == "" {
			t.Errorf("%s should project to a status", e)
		}
	}
	logOnly := []EventType{
		EventParticipantJoin, EventParticipantLeave, EventLog,
		EventSignInRequired, EventCaptchaDetected, EventMeetingNotFound,
		EventMeetingEnded, EventPermissionDenied, EventJoinBlocked,
		EventRestarting,
	}
	for _, e := range logOnly {
		if e.IsStatusEvent() {
			t.Errorf("%s should not be a status event", e)
		}
		if e.Status() != "" {
			t.Errorf("%s should not project to a status", e)
		}
	}
}

func TestIsValidEventType(t *testing.T) {
	if !IsValidEventType(EventInCall) || !IsValidEventType(EventLog) {
		t.Fatal("known event types must validate")
	}
	if IsValidEventType(EventType("SOMETHING_ELSE")) {
		t.Fatal("unknown event types must not validate")
	}
}

func TestEventStatusProjection(t *testing.T) {
	tests := []struct {
		e    EventType
		want BotStatus
	}{
		{EventDeploying, StatusDeploying},
		{EventJoiningCall, StatusJoiningCall},
		{EventInWaitingRoom, StatusInWaitingRoom},
		{EventInCall, StatusInCall},
		{EventCallEnded, StatusCallEnded},
		{EventDone, StatusDone},
		{EventFatal, StatusFatal},
	}
	for _, tt := range tests {
		if got := tt.e.Status(); got != tt.want {
			t.Errorf("%s.Status() = %s, want %s", tt.e, got, tt.want)
		}
	}
}
