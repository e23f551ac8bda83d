package logging

import "testing"

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		level   string
		dev     bool
		wantErr bool
	}{
		{"", false, false},
		{"debug", true, false},
		{"warn", false, false},
		{"loud", false, true},
	} {
		logger, err := New(tc.level, tc.dev)
		if tc.wantErr {
			if err == nil {
				t.Errorf("level %q: expected error", tc.level)
			}
			continue
		}
		if err != nil || logger == nil {
			t.Errorf("level %q: %v", tc.level, err)
		}
	}
}

func TestLevelApplied(t *testing.T) {
	logger, err := New("warn", false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Fatalf("debug should be disabled at warn")
	}
}
