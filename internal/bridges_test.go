package homehub

import "testing"

func TestPrefixedTopic(t *testing.T) {
	if got := prefixedTopic("", "nest/state"); got != "nest/state" {
		t.Errorf("Expected bare topic without prefix, got %q", got)
	}
	if got := prefixedTopic("casa", "nest/state"); got != "casa/nest/state" {
		t.Errorf("Expected prefixed topic, got %q", got)
	}
}
