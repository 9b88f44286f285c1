package types

import (
	"testing"
	"time"
)

func TestScheduledKindPredicates(t *testing.T) {
	cases := []struct {
		kind      ScheduledKind
		recurrent bool
		reminder  bool
	}{
		{KindReminder, false, true},
		{KindRecurrentReminder, true, true},
		{KindTask, false, false},
		{KindRecurrentTask, true, false},
	}
	for _, tc := range cases {
		if got := tc.kind.Recurrent(); got != tc.recurrent {
			t.Errorf("%s.Recurrent() = %v, want %v", tc.kind, got, tc.recurrent)
		}
		if got := tc.kind.IsReminder(); got != tc.reminder {
			t.Errorf("%s.IsReminder() = %v, want %v", tc.kind, got, tc.reminder)
		}
	}
}

func TestMemoryExpired(t *testing.T) {
	m := Memory{}
	if m.Expired(time.Now()) {
		t.Fatalf("memory with no expiry should never be expired")
	}

	past := time.Now().Add(-time.Hour)
	m.ExpiresAt = &past
	if !m.Expired(time.Now()) {
		t.Fatalf("memory with past expiry should be expired")
	}

	future := time.Now().Add(time.Hour)
	m.ExpiresAt = &future
	if m.Expired(time.Now()) {
		t.Fatalf("memory with future expiry should not be expired")
	}
}
