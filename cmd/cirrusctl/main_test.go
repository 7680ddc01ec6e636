package main

import (
	"testing"

	"cirrusd/internal/event"
)

func TestDefaultRecordScopeIsValid(t *testing.T) {
	// The daemon rejects unknown scopes, so a record without -scope must
	// carry one the event model accepts.
	if !event.Scope(defaultRecordScope).Valid() {
		t.Fatalf("default record scope %q is not a valid privacy scope", defaultRecordScope)
	}
}
