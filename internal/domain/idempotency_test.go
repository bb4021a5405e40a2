package domain

import (
	"testing"
	"time"
)

func TestIdempotencyStatusValid(t *testing.T) {
	tests := []struct {
		name   string
		status IdempotencyStatus
		want   bool
	}{
		{name: "processing", status: IdempotencyStatusProcessing, want: true},
		{name: "done", status: IdempotencyStatusDone, want: true},
		{name: "failed", status: IdempotencyStatusFailed, want: true},
		{name: "invalid", status: IdempotencyStatus("broken"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.status.Valid(); got != tc.want {
				t.Fatalf("status %q valid=%v, want %v", tc.status, got, tc.want)
			}
		})
	}
}

func TestIdempotencyRecordExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if (IdempotencyRecord{}).Expired(now) {
		t.Fatalf("record without ttl must not expire")
	}
	if !(IdempotencyRecord{TTLAt: now}).Expired(now) {
		t.Fatalf("record with ttl == now must be expired")
	}
	if (IdempotencyRecord{TTLAt: now.Add(time.Second)}).Expired(now) {
		t.Fatalf("record with future ttl must not be expired")
	}
}

func TestIdempotencyRecordFinished(t *testing.T) {
	if (IdempotencyRecord{Status: IdempotencyStatusProcessing}).Finished() {
		t.Fatalf("processing record must not be finished")
	}
	if !(IdempotencyRecord{Status: IdempotencyStatusFailed}).Finished() {
		t.Fatalf("failed record must be finished")
	}
}

func TestIdempotencyRecordReclaimable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	live := now.Add(time.Hour)

	tests := []struct {
		name string
		rec  IdempotencyRecord
		hash string
		want bool
	}{
		{"expired done", IdempotencyRecord{Status: IdempotencyStatusDone, RequestHash: "a", TTLAt: now}, "b", true},
		{"live done", IdempotencyRecord{Status: IdempotencyStatusDone, RequestHash: "a", TTLAt: live}, "a", false},
		{"live processing", IdempotencyRecord{Status: IdempotencyStatusProcessing, RequestHash: "a", TTLAt: live}, "a", false},
		{"live failed same request", IdempotencyRecord{Status: IdempotencyStatusFailed, RequestHash: "a", TTLAt: live}, "a", true},
		{"live failed other request", IdempotencyRecord{Status: IdempotencyStatusFailed, RequestHash: "a", TTLAt: live}, "b", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rec.Reclaimable(tc.hash, now); got != tc.want {
				t.Fatalf("reclaimable=%v, want %v", got, tc.want)
			}
		})
	}
}
