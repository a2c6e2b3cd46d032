package outcome

import "testing"

func TestCollectionNames_MatchSpec(t *testing.T) {
	if resultsCollection != "message-results" {
		t.Fatalf("unexpected results collection: %s", resultsCollection)
	}

	if exceptionsCollection != "message-exceptions" {
		t.Fatalf("unexpected exceptions collection: %s", exceptionsCollection)
	}
}
