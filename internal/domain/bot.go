package domain

import "time"

// MeetingPlatform identifies the conferencing platform a bot attends.
type MeetingPlatform string

const (
	PlatformMeet  MeetingPlatform = "meet"
	PlatformTeams MeetingPlatform = "teams"
	PlatformZoom  MeetingPlatform = "zoom"
)

// IsValidPlatform returns true if the platform is recognized.
func IsValidPlatform(p MeetingPlatform) bool {
	switch p {
	case PlatformMeet, PlatformTeams, PlatformZoom:
		return true
	}
	return false
}

// BotStatus is the lifecycle state of a bot. It is a projection of the
// status-class events reported by the agent.
type BotStatus string

const (
	StatusCreated       BotStatus = "CREATED"
	StatusQueued        BotStatus = "QUEUED"
	StatusDeploying     BotStatus = "DEPLOYING"
	StatusJoiningCall   BotStatus = "JOINING_CALL"
	StatusInWaitingRoom BotStatus = "IN_WAITING_ROOM"
	StatusInCall        BotStatus = "IN_CALL"
	StatusCallEnded     BotStatus = "CALL_ENDED"
	StatusDone          BotStatus = "DONE"
	StatusFatal         BotStatus = "FATAL"
	StatusCancelled     BotStatus = "CANCELLED"
)

// IsTerminal returns true for statuses that accept no further transitions.
func (s BotStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFatal, StatusCancelled:
		return true
	}
	return false
}

// CanCancel returns true if a bot in this status may be cancelled.
func (s BotStatus) CanCancel() bool {
	switch s {
	case StatusCreated, StatusQueued, StatusDeploying:
		return true
	}
	return false
}

// MeetingCredentials are optional platform sign-in credentials.
type MeetingCredentials struct {
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// MeetingInfo describes the meeting a bot joins.
type MeetingInfo struct {
	Platform    MeetingPlatform     `json:"platform"`
	URL         string              `json:"url"`
	Credentials *MeetingCredentials `json:"credentials,omitempty"`
}

// AutomaticLeave holds the agent-side auto-leave timeouts. Each value is a
// duration in milliseconds and must be at least one minute.
type AutomaticLeave struct {
	WaitingRoomTimeoutMs int `json:"waiting_room_timeout_ms"`
	NoOneJoinedTimeoutMs int `json:"no_one_joined_timeout_ms"`
	EveryoneLeftTimeout  int `json:"everyone_left_timeout_ms"`
	InactivityTimeoutMs  int `json:"inactivity_timeout_ms"`
}

const MinAutomaticLeaveMs = 60_000

// Normalize raises any timeout below the minimum to the minimum.
func (a *AutomaticLeave) Normalize() {
	if a.WaitingRoomTimeoutMs < MinAutomaticLeaveMs {
		a.WaitingRoomTimeoutMs = MinAutomaticLeaveMs
	}
	if a.NoOneJoinedTimeoutMs < MinAutomaticLeaveMs {
		a.NoOneJoinedTimeoutMs = MinAutomaticLeaveMs
	}
	if a.EveryoneLeftTimeout < MinAutomaticLeaveMs {
		a.EveryoneLeftTimeout = MinAutomaticLeaveMs
	}
	if a.InactivityTimeoutMs < MinAutomaticLeaveMs {
		a.InactivityTimeoutMs = MinAutomaticLeaveMs
	}
}

// SpeakerTimeframe records one contiguous interval during which a
// participant was the active speaker.
type SpeakerTimeframe struct {
	Speaker string `json:"speaker"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// Bot is one scheduled or running meeting attendance.
type Bot struct {
	ID                 int64              `json:"id"`
	TenantID           string             `json:"tenant_id"`
	MeetingInfo        MeetingInfo        `json:"meeting_info"`
	MeetingTitle       string             `json:"meeting_title,omitempty"`
	DisplayName        string             `json:"display_name"`
	ScheduledStart     *time.Time         `json:"scheduled_start,omitempty"`
	ScheduledEnd       *time.Time         `json:"scheduled_end,omitempty"`
	RecordingEnabled   bool               `json:"recording_enabled"`
	ChatEnabled        bool               `json:"chat_enabled"`
	HeartbeatInterval  int                `json:"heartbeat_interval_ms"`
	AutomaticLeave     AutomaticLeave     `json:"automatic_leave"`
	CallbackURL        string             `json:"callback_url,omitempty"`
	Status             BotStatus          `json:"status"`
	LastHeartbeat      *time.Time         `json:"last_heartbeat,omitempty"`
	DeploymentPlatform string             `json:"deployment_platform,omitempty"`
	PlatformIdentifier string             `json:"platform_identifier,omitempty"`
	RecordingKey       string             `json:"recording_key,omitempty"`
	SpeakerTimeframes  []SpeakerTimeframe `json:"speaker_timeframes,omitempty"`
	DeploymentError    string             `json:"deployment_error,omitempty"`
	LeaveRequested     bool               `json:"leave_requested,omitempty"`
	DesiredLogLevel    string             `json:"desired_log_level,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

const (
	// DefaultHeartbeatIntervalMs is used when a bot request omits the interval.
	DefaultHeartbeatIntervalMs = 10_000

	// DeployLeadTime is how far before the scheduled start a bot is deployed.
	DeployLeadTime = 5 * time.Minute
)

// ShouldDeployImmediately reports whether a bot with the given scheduled
// start should be deployed now rather than left to the sweeper.
func ShouldDeployImmediately(start *time.Time, now time.Time) bool {
	if start == nil {
		return true
	}
	return start.Sub(now) <= DeployLeadTime
}
