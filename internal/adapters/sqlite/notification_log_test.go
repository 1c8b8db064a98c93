package sqlite

import (
	"context"
	"testing"
)

func TestNotificationLogClaimsOncePerDay(t *testing.T) {
	ctx := context.Background()
	log := NewNotificationLog(openTestDB(t))

	cases := []struct {
		fingerprint, day string
		want             bool
	}{
		{"abc", "2026-03-01", true},
		{"abc", "2026-03-01", false},
		{"abc", "2026-03-02", true},
		{"def", "2026-03-01", true},
	}
	for _, tc := range cases {
		got, err := log.Claim(ctx, tc.fingerprint, tc.day)
		if err != nil {
			t.Fatalf("claim %s/%s: %v", tc.fingerprint, tc.day, err)
		}
		if got != tc.want {
			t.Fatalf("claim %s/%s = %v, want %v", tc.fingerprint, tc.day, got, tc.want)
		}
	}
}
