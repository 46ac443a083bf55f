package store

import "testing"

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"alert:*", "alert:01JN123", true},
		{"alert:*", "alert:", true},
		{"alert:*", "alerts:01", false},
		{"history:*", "history:team/alice", true},
		{"escalation:timer:*", "escalation:pending", false},
		{"stats:daily:2026-??-01", "stats:daily:2026-10-01", true},
		{"stats:daily:2026-??-01", "stats:daily:2026-10-02", false},
		{"*", "anything:at:all", true},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
		{"", "", true},
		{"", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.key, func(t *testing.T) {
			t.Parallel()
			if got := Match(tt.pattern, tt.key); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
			}
		})
	}
}
