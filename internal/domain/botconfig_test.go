package domain

import (
	"testing"
	"time"
)

func TestBotConfigEncodeDecode(t *testing.T) {
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	bot := &Bot{
		ID:       42,
		TenantID: "t-1",
		MeetingInfo: MeetingInfo{
			Platform: PlatformMeet,
			URL:      "https://meet.google.com/abc-defg-hij",
		},
		DisplayName:       "Notetaker",
		ScheduledStart:    &start,
		RecordingEnabled:  true,
		ChatEnabled:       true,
		HeartbeatInterval: 10_000,
		AutomaticLeave: AutomaticLeave{
			WaitingRoomTimeoutMs: 300_000,
			NoOneJoinedTimeoutMs: 300_000,
			EveryoneLeftTimeout:  120_000,
			InactivityTimeoutMs:  600_000,
		},
		CallbackURL: "https://example.com/hook",
	}

	encoded, err := BotConfigFromBot(bot).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	cfg, err := DecodeBotConfig(encoded)
	if err != nil {
		t.Fatalf("DecodeBotConfig failed: %v", err)
	}
	if cfg.ID != 42 || cfg.TenantID != "t-1" {
		t.Fatalf("identity mismatch: %+v", cfg)
	}
	if cfg.MeetingInfo.Platform != PlatformMeet {
		t.Fatalf("platform = %s, want meet", cfg.MeetingInfo.Platform)
	}
	if !cfg.RecordingEnabled || !cfg.ChatEnabled {
		t.Fatal("flags lost in round trip")
	}
	if cfg.StartTime == nil || !cfg.StartTime.Equal(start) {
		t.Fatalf("start time mismatch: %v", cfg.StartTime)
	}
}

func TestDecodeBotConfigDefaults(t *testing.T) {
	cfg := &BotConfig{
		ID:          7,
		TenantID:    "t-2",
		MeetingInfo: MeetingInfo{Platform: PlatformZoom, URL: "https://zoom.us/j/1"},
		AutomaticLeave: AutomaticLeave{
			WaitingRoomTimeoutMs: 1, // below minimum
		},
	}
	encoded, err := cfg.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := DecodeBotConfig(encoded)
	if err != nil {
		t.Fatalf("DecodeBotConfig failed: %v", err)
	}
	if decoded.HeartbeatInterval != DefaultHeartbeatIntervalMs {
		t.Errorf("heartbeat interval = %d, want default %d", decoded.HeartbeatInterval, DefaultHeartbeatIntervalMs)
	}
	if decoded.AutomaticLeave.WaitingRoomTimeoutMs != MinAutomaticLeaveMs {
		t.Error("automatic leave timeouts must be normalized on decode")
	}
}

func TestDecodeBotConfigRejectsGarbage(t *testing.T) {
	if _, err := DecodeBotConfig(""); err == nil {
		t.Error("empty payload must fail")
	}
	if _, err := DecodeBotConfig("not-base64!!"); err == nil {
		t.Error("invalid base64 must fail")
	}
	if _, err := DecodeBotConfig("aGVsbG8="); err == nil { // "hello"
		t.Error("non-JSON payload must fail")
	}
}

func TestTenantEffectiveDailyLimit(t *testing.T) {
	free := &Tenant{Plan: PlanFree}
	if l := free.EffectiveDailyLimit(); l == nil || *l != 10 {
		t.Errorf("FREE limit = %v, want 10", l)
	}
	payg := &Tenant{Plan: PlanPayAsYouGo}
	if l := payg.EffectiveDailyLimit(); l != nil {
		t.Errorf("PAY_AS_YOU_GO limit = %v, want unlimited", *l)
	}
	override := 37
	custom := &Tenant{Plan: PlanCustom, DailyLimit: &override}
	if l := custom.EffectiveDailyLimit(); l == nil || *l != 37 {
		t.Errorf("CUSTOM limit = %v, want 37", l)
	}
}

func TestTenantLocalDate(t *testing.T) {
	// 2026-08-24 03:00 UTC is still 2026-08-23 in Los Angeles.
	at := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	la := &Tenant{Timezone: "America/Los_Angeles"}
	if got := la.LocalDate(at); got != "2026-08-23" {
		t.Errorf("LocalDate = %s, want 2026-08-23", got)
	}
	bad := &Tenant{Timezone: "Nowhere/Invalid"}
	if got := bad.LocalDate(at); got != "2026-08-24" {
		t.Errorf("invalid zone should fall back to UTC, got %s", got)
	}
}
