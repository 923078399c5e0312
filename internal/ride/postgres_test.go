package ride

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestUniqueViolationDetection(t *testing.T) {
	// the partial unique index on active assignments surfaces as 23505;
	// Assign must translate it to ErrDriverBusy, not a generic failure
	dup := &pq.Error{Code: "23505", Constraint: "idx_rides_driver_active"}
	if !uniqueViolation(dup) {
		t.Fatal("23505 not recognized as a unique violation")
	}
	if !uniqueViolation(fmt.Errorf("exec: %w", dup)) {
		t.Fatal("wrapped 23505 not recognized")
	}
	if uniqueViolation(&pq.Error{Code: "40001"}) {
		t.Fatal("serialization failure misread as unique violation")
	}
	if uniqueViolation(errors.New("connection reset")) {
		t.Fatal("non-pq error misread as unique violation")
	}
}
