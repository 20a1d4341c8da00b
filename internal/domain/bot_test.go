package domain

import (
	"testing"
	"time"
)

func TestIsValidPlatform(t *testing.T) {
	tests := []struct {
		p    MeetingPlatform
		want bool
	}{
		{PlatformMeet, true},
		{PlatformTeams, true},
		{PlatformZoom, true},
		{MeetingPlatform("webex"), false},
		{MeetingPlatform(""), false},
	}
	for _, tt := range tests {
		if got := IsValidPlatform(tt.p); got != tt.want {
			t.Errorf("IsValidPlatform(%q) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestBotStatusIsTerminal(t *testing.T) {
	terminal := []BotStatus{StatusDone, StatusFatal, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []BotStatus{
		StatusCreated, StatusQueued, StatusDeploying, StatusJoiningCall,
		StatusInWaitingRoom, StatusInCall, StatusCallEnded,
	}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestBotStatusCanCancel(t *testing.T) {
	if !StatusCreated.CanCancel() || !StatusQueued.CanCancel() || !StatusDeploying.CanCancel() {
		t.Fatal("CREATED, QUEUED and DEPLOYING must be cancellable")
	}
	for _, s := range []BotStatus{StatusInCall, StatusDone, StatusFatal, StatusCancelled} {
		if s.CanCancel() {
			t.Errorf("%s should not be cancellable", s)
		}
	}
}

func TestAutomaticLeaveNormalize(t *testing.T) {
	a := AutomaticLeave{
		WaitingRoomTimeoutMs: 5_000,
		NoOneJoinedTimeoutMs: 120_000,
		EveryoneLeftTimeout:  0,
		InactivityTimeoutMs:  59_999,
	}
	a.Normalize()
	if a.WaitingRoomTimeoutMs != MinAutomaticLeaveMs {
		t.Errorf("waiting room timeout = %d, want %d", a.WaitingRoomTimeoutMs, MinAutomaticLeaveMs)
	}
	if a.NoOneJoinedTimeoutMs != 120_000 {
		t.Errorf("no one joined timeout clamped to %d, want unchanged", a.NoOneJoinedTimeoutMs)
	}
	if a.EveryoneLeftTimeout != MinAutomaticLeaveMs || a.InactivityTimeoutMs != MinAutomaticLeaveMs {
		t.Error("sub-minute timeouts must be raised to the minimum")
	}
}

func TestShouldDeployImmediately(t *testing.T) {
	now := time.Now()
	if !ShouldDeployImmediately(nil, now) {
		t.Error("nil start time must deploy immediately")
	}
	soon := now.Add(3 * time.Minute)
	if !ShouldDeployImmediately(&soon, now) {
		t.Error("start within lead time must deploy immediately")
	}
	later := now.Add(time.Hour)
	if ShouldDeployImmediately(&later, now) {
		t.Error("start beyond lead time must wait for the sweeper")
	}
	past := now.Add(-time.Minute)
	if !ShouldDeployImmediately(&past, now) {
		t.Error("past start time must deploy immediately")
	}
}
