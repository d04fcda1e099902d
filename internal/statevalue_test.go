package homehub

import (
	"testing"
	"time"
)

// TestRequireTrue verifies the behavior of requireTrue
func TestRequireTrue(t *testing.T) {
	stateMap := NewStateValueMap()

	// Test with no keys set
	if result := stateMap.requireTrue("nonexistent"); result != false {
		t.Errorf("Expected false for nonexistent key, got %v", result)
	}

	// Test with a key set to true
	stateMap.setState("key1", true)
	if result := stateMap.requireTrue("key1"); result != true {
		t.Errorf("Expected true for key1, got %v", result)
	}

	// Test with a key set to false
	stateMap.setState("key2", false)
	if result := stateMap.requireTrue("key2"); result != false {
		t.Errorf("Expected false for key2, got %v", result)
	}
}

func TestRequireFalse(t *testing.T) {
	stateMap := NewStateValueMap()

	// An unknown key is neither true nor false
	if result := stateMap.requireFalse("nonexistent"); result != false {
		t.Errorf("Expected false for nonexistent key, got %v", result)
	}

	stateMap.setState("key1", false)
	if result := stateMap.requireFalse("key1"); result != true {
		t.Errorf("Expected true for key1, got %v", result)
	}

	stateMap.setState("key1", true)
	if result := stateMap.requireFalse("key1"); result != false {
		t.Errorf("Expected false for key1 after being set to true, got %v", result)
	}
}

// TestRequireTrue_Concurrency ensures requireTrue works correctly under concurrent access
func TestRequireTrue_Concurrency(t *testing.T) {
	stateMap := NewStateValueMap()

	// Initialize keys in a separate goroutine
	go func() {
		stateMap.setState("key1", true)
		stateMap.setState("key2", false)
	}()

	// Allow goroutine to execute
	time.Sleep(10 * time.Millisecond)

	// Concurrent reads
	for i := 0; i < 10; i++ {
		go func() {
			if result := stateMap.requireTrue("key1"); !result {
				t.Errorf("Concurrent access: expected true for key1, got %v", result)
			}
			if result := stateMap.requireTrue("key2"); result {
				t.Errorf("Concurrent access: expected false for key2, got %v", result)
			}
		}()
	}
}

// TestRequireTrueSince validates the behavior of requireTrueSince
func TestRequireTrueSince(t *testing.T) {
	stateMap := NewStateValueMap()

	// Test with no key set
	if result := stateMap.requireTrueSince("nonexistent", 1*time.Second); result != false {
		t.Errorf("Expected false for nonexistent key, got %v", result)
	}

	// Set a key to true and validate immediately
	stateMap.setState("key1", true)
	if result := stateMap.requireTrueSince("key1", 1*time.Second); result != false {
		t.Errorf("Expected false for key1 as not enough time has passed, got %v", result)
	}

	// Wait for the duration to pass and validate again
	time.Sleep(2 * time.Second)
	if result := stateMap.requireTrueSince("key1", 1*time.Second); result != true {
		t.Errorf("Expected true for key1 after sufficient time has passed, got %v", result)
	}

	// Re-asserting the same value must not reset the clock
	stateMap.setState("key1", true)
	if result := stateMap.requireTrueSince("key1", 1*time.Second); result != true {
		t.Errorf("Expected true for key1 after a redundant set, got %v", result)
	}

	// Change key1 to false and validate
	stateMap.setState("key1", false)
	if result := stateMap.requireTrueSince("key1", 1*time.Second); result != false {
		t.Errorf("Expected false for key1 after being set to false, got %v", result)
	}

	// Set key2 to true and validate after some delay
	stateMap.setState("key2", true)
	time.Sleep(500 * time.Millisecond)
	if result := stateMap.requireTrueSince("key2", 1*time.Second); result != false {
		t.Errorf("Expected false for key2 as not enough time has passed, got %v", result)
	}

	time.Sleep(1 * time.Second)
	if result := stateMap.requireTrueSince("key2", 1*time.Second); result != true {
		t.Errorf("Expected true for key2 after sufficient time has passed, got %v", result)
	}
}

// TestRequireTrueSinceEdgeCases tests edge cases for requireTrueSince
func TestRequireTrueSinceEdgeCases(t *testing.T) {
	stateMap := NewStateValueMap()

	// Set key to true and check at the exact threshold
	stateMap.setState("key3", true)
	time.Sleep(1 * time.Second)
	if result := stateMap.requireTrueSince("key3", 1*time.Second); result != true {
		t.Errorf("Expected true for key3 at the exact threshold, got %v", result)
	}

	// Check with zero duration
	if result := stateMap.requireTrueSince("key3", 0*time.Second); result != true {
		t.Errorf("Expected true for key3 with zero duration, got %v", result)
	}

	// Check with negative duration
	if result := stateMap.requireTrueSince("key3", -1*time.Second); result != true {
		t.Errorf("Expected true for key3 with negative duration, got %v", result)
	}
}

func TestRequireTrueRecently(t *testing.T) {
	stateMap := NewStateValueMap()

	// Test with no key set
	if result := stateMap.requireTrueRecently("nonexistent", 1*time.Second); result != false {
		t.Errorf("Expected false for nonexistent key, got %v", result)
	}

	stateMap.setState("key1", true)
	if result := stateMap.requireTrueRecently("key1", 1*time.Second); result != true {
		t.Errorf("Expected true for key1 immediately after being set, got %v", result)
	}

	time.Sleep(2 * time.Second)
	stateMap.setState("key1", false)
	stateMap.setState("key1", true)
	time.Sleep(1 * time.Second)
	stateMap.setState("key1", false)
	if result := stateMap.requireTrueRecently("key1", 2*time.Second); result != true {
		t.Errorf("Expected true for key1 , got %v", result)
	}

	stateMap.setState("key1", false)
	stateMap.setState("key1", true)
	time.Sleep(1 * time.Second)
	stateMap.setState("key1", false)
	time.Sleep(2 * time.Second)
	if result := stateMap.requireTrueRecently("key1", 1*time.Second); result != false {
		t.Errorf("Expected false for key1 , got %v", result)
	}
}

func TestRequireTrueNotRecently(t *testing.T) {
	stateMap := NewStateValueMap()

	// Test with no key set
	if result := stateMap.requireTrueNotRecently("nonexistent", 1*time.Second); result != false {
		t.Errorf("Expected false for nonexistent key, got %v", result)
	}

	stateMap.setState("key1", true)
	if result := stateMap.requireTrueNotRecently("key1", 1*time.Second); result != false {
		t.Errorf("Expected false for key1 immediately after being set, got %v", result)
	}

	time.Sleep(2 * time.Second)
	stateMap.setState("key1", false)
	stateMap.setState("key1", true)
	time.Sleep(1 * time.Second)
	stateMap.setState("key1", false)
	if result := stateMap.requireTrueNotRecently("key1", 2*time.Second); result != false {
		t.Errorf("Expected false for key1 , got %v", result)
	}

	stateMap.setState("key1", false)
	stateMap.setState("key1", true)
	time.Sleep(1 * time.Second)
	stateMap.setState("key1", false)
	time.Sleep(2 * time.Second)
	if result := stateMap.requireTrueNotRecently("key1", 1*time.Second); result != true {
		t.Errorf("Expected true for key1 , got %v", result)
	}

	// A key that was never true is not recently true
	stateMap.setState("key2", false)
	if result := stateMap.requireTrueNotRecently("key2", 1*time.Second); result != true {
		t.Errorf("Expected true for key2 which was never true, got %v", result)
	}
}

func TestStateValueCallbacks(t *testing.T) {
	stateMap := NewStateValueMap()

	type callbackRecord struct {
		key     StateKey
		value   bool
		new     bool
		updated bool
	}
	var records []callbackRecord
	stateMap.registerCallback(func(key StateKey, value, new, updated bool) {
		records = append(records, callbackRecord{key, value, new, updated})
	})

	stateMap.setState("key1", true)
	stateMap.setState("key1", true)
	stateMap.setState("key1", false)

	if len(records) != 3 {
		t.Fatalf("Expected 3 callback invocations, got %d", len(records))
	}
	if !records[0].new || records[0].updated {
		t.Errorf("Expected first set to be new and not updated, got %+v", records[0])
	}
	if records[1].new || records[1].updated {
		t.Errorf("Expected redundant set to be neither new nor updated, got %+v", records[1])
	}
	if records[2].new || !records[2].updated {
		t.Errorf("Expected change to be updated and not new, got %+v", records[2])
	}
}

func TestSnapshot(t *testing.T) {
	stateMap := NewStateValueMap()
	stateMap.setState("key1", true)
	stateMap.setState("key2", false)

	snapshot := stateMap.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(snapshot))
	}
	if !snapshot["key1"].Value {
		t.Errorf("Expected key1 to be true in snapshot")
	}
	if snapshot["key2"].Value {
		t.Errorf("Expected key2 to be false in snapshot")
	}
	if snapshot["key1"].LastSetTrue.IsZero() {
		t.Errorf("Expected key1 to record when it was last set true")
	}
}
