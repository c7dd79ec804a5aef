package audit

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seedTrail(t *testing.T) *Memory {
	t.Helper()
	store := NewMemory()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{TargetType: TargetDepartment, TargetID: "eng", Resource: "reports", Action: "read", ChangeType: ChangeCreate, ActorID: "alice", CreatedAt: base},
		{TargetType: TargetDepartment, TargetID: "eng", Resource: "reports", Action: "read", ChangeType: ChangeUpdate, ActorID: "bob", CreatedAt: base.Add(time.Hour)},
		{TargetType: TargetDepartment, TargetID: "qa", Resource: "deploy", Action: "execute", ChangeType: ChangeDelete, ActorID: "alice", CreatedAt: base.Add(2 * time.Hour)},
		{TargetType: TargetUser, TargetID: "u1", Resource: "reports", Action: "read", ChangeType: ChangeUpdate, ActorID: "alice", CreatedAt: base.Add(3 * time.Hour)},
	}
	for i := range entries {
		entries[i].ID = fmt.Sprintf("e%d", i)
		if err := store.Append(context.Background(), &entries[i]); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return store
}

func TestTrailFilters(t *testing.T) {
	store := seedTrail(t)
	ctx := context.Background()

	cases := map[string]struct {
		filter Filter
		want   int
	}{
		"all":         {Filter{}, 4},
		"by target":   {Filter{TargetID: "eng"}, 2},
		"by actor":    {Filter{ActorID: "alice"}, 3},
		"by change":   {Filter{ChangeType: ChangeUpdate}, 2},
		"by resource": {Filter{Resource: "deploy"}, 1},
		"by window": {Filter{
			From: time.Date(2026, 8, 1, 13, 30, 0, 0, time.UTC),
			To:   time.Date(2026, 8, 1, 14, 30, 0, 0, time.UTC),
		}, 1},
		"combined": {Filter{TargetID: "eng", ActorID: "bob"}, 1},
	}
	for name, tc := range cases {
		got, total, err := store.Trail(ctx, tc.filter)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if total != tc.want || len(got) != tc.want {
			t.Errorf("%s: want %d entries, got %d (total %d)", name, tc.want, len(got), total)
		}
	}
}

func TestTrailOrderAndPaging(t *testing.T) {
	store := seedTrail(t)

	page, total, err := store.Trail(context.Background(), Filter{Limit: 2})
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if total != 4 || len(page) != 2 {
		t.Fatalf("want first page of 2 out of 4, got %d of %d", len(page), total)
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Fatalf("trail must be newest first, got %v then %v", page[0].CreatedAt, page[1].CreatedAt)
	}

	rest, _, err := store.Trail(context.Background(), Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("trail offset: %v", err)
	}
	if len(rest) != 2 || rest[0].CreatedAt.Before(rest[1].CreatedAt) {
		t.Fatalf("second page wrong: %+v", rest)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	store := seedTrail(t)

	removed, err := store.PurgeOlderThan(context.Background(), time.Date(2026, 8, 1, 13, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 2 {
		t.Fatalf("want 2 purged, got %d", removed)
	}
	_, total, err := store.Trail(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if total != 2 {
		t.Fatalf("want 2 surviving entries, got %d", total)
	}
}
