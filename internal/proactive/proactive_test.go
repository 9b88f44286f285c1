package proactive

import (
	"testing"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/config"
)

func TestInQuietHours_SameDayWindow(t *testing.T) {
	cfg := &config.ProactiveConfig{QuietHoursStart: "09:00", QuietHoursEnd: "17:00"}
	inside := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	outside := time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)
	if !inQuietHours(cfg, inside) {
		t.Fatalf("expected %v to be within quiet hours", inside)
	}
	if inQuietHours(cfg, outside) {
		t.Fatalf("expected %v to be outside quiet hours", outside)
	}
}

func TestInQuietHours_WrapsPastMidnight(t *testing.T) {
	cfg := &config.ProactiveConfig{QuietHoursStart: "22:00", QuietHoursEnd: "06:00"}
	lateNight := time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)
	earlyMorning := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	midday := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	if !inQuietHours(cfg, lateNight) {
		t.Fatalf("expected %v to be within wrapped quiet hours", lateNight)
	}
	if !inQuietHours(cfg, earlyMorning) {
		t.Fatalf("expected %v to be within wrapped quiet hours", earlyMorning)
	}
	if inQuietHours(cfg, midday) {
		t.Fatalf("expected %v to be outside wrapped quiet hours", midday)
	}
}

func TestInQuietHours_Unconfigured(t *testing.T) {
	cfg := &config.ProactiveConfig{}
	if inQuietHours(cfg, time.Now()) {
		t.Fatalf("expected unconfigured quiet hours to never suppress")
	}
}

func TestNextLocalMidnight(t *testing.T) {
	now := time.Date(2026, 3, 15, 14, 30, 0, 0, time.UTC)
	next := nextLocalMidnight(now, time.UTC)
	want := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("nextLocalMidnight() = %v, want %v", next, want)
	}
}

func TestDayCapKey_StableAcrossSameDay(t *testing.T) {
	a := dayCapKey("c1", time.Date(2026, 3, 15, 1, 0, 0, 0, time.UTC))
	b := dayCapKey("c1", time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC))
	if a != b {
		t.Fatalf("expected same-day keys to match: %q vs %q", a, b)
	}
	c := dayCapKey("c1", time.Date(2026, 3, 16, 1, 0, 0, 0, time.UTC))
	if a == c {
		t.Fatalf("expected next-day key to differ from %q", a)
	}
}
