package models

import "testing"

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from     DealStatus
		to       DealStatus
		expected bool
	}{
		// Happy path
		{DealStatusCreated, DealStatusWaitingForBuyerWallet, true},
		{DealStatusCreated, DealStatusWaitingForSellerWallet, true},
		{DealStatusWaitingForBuyerWallet, DealStatusWaitingForSellerWallet, true},
		{DealStatusWaitingForSellerWallet, DealStatusWaitingForDeposit, true},
		{DealStatusWaitingForDeposit, DealStatusLocked, true},
		{DealStatusLocked, DealStatusInProgress, true},
		{DealStatusInProgress, DealStatusWorkSubmitted, true},
		{DealStatusWorkSubmitted, DealStatusCompleted, true},
		{DealStatusLocked, DealStatusCompleted, true},

		// Disputes
		{DealStatusLocked, DealStatusDispute, true},
		{DealStatusInProgress, DealStatusDispute, true},
		{DealStatusWorkSubmitted, DealStatusDispute, true},
		{DealStatusDispute, DealStatusResolved, true},
		{DealStatusDispute, DealStatusLocked, true},

		// Expiry and cancellation
		{DealStatusWaitingForDeposit, DealStatusExpired, true},
		{DealStatusWorkSubmitted, DealStatusExpired, true},
		{DealStatusCreated, DealStatusCancelled, true},
		{DealStatusWaitingForDeposit, DealStatusCancelled, true},

		// Invalid transitions
		{DealStatusCreated, DealStatusLocked, false},
		{DealStatusLocked, DealStatusCancelled, false},
		{DealStatusDispute, DealStatusExpired, false},
		{DealStatusDispute, DealStatusCompleted, false},
		{DealStatusCompleted, DealStatusResolved, false},
		{DealStatusExpired, DealStatusLocked, false},
		{DealStatusCancelled, DealStatusWaitingForDeposit, false},
		{"nonexistent", DealStatusLocked, false},
		{DealStatusLocked, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	for status, transitions := range ValidDealTransitions {
		if status.IsTerminal() && len(transitions) != 0 {
			t.Errorf("terminal status %q should have no transitions, got %v", status, transitions)
		}
		if !status.IsTerminal() && len(transitions) == 0 {
			t.Errorf("non-terminal status %q has no way out", status)
		}
	}
}

func TestPredecessorSetsAreLegal(t *testing.T) {
	sets := map[DealStatus][]DealStatus{
		DealStatusCancelled:     CancellableStatuses,
		DealStatusCompleted:     AcceptableStatuses,
		DealStatusDispute:       DisputableStatuses,
		DealStatusExpired:       ExpirableStatuses,
		DealStatusWorkSubmitted: WorkStatuses,
	}
	for to, from := range sets {
		for _, f := range from {
			if !IsValidTransition(f, to) {
				t.Errorf("%s is listed as predecessor of %s but the transition is not allowed", f, to)
			}
		}
	}
}

func TestDealIDRoundTrip(t *testing.T) {
	id := FormatDealID(42)
	if id != "DL-000042" {
		t.Fatalf("FormatDealID(42) = %q", id)
	}
	n, err := ParseDealID(id)
	if err != nil || n != 42 {
		t.Fatalf("ParseDealID(%q) = %d, %v", id, n, err)
	}
	for _, bad := range []string{"42", "DL-", "DL-abc", "DL-000000"} {
		if _, err := ParseDealID(bad); err == nil {
			t.Errorf("ParseDealID(%q) should fail", bad)
		}
	}
}
