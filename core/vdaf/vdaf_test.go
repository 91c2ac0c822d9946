package vdaf

import "testing"

func TestPrio3CountLikeShardAndUnshardRoundTrip(t *testing.T) {
	v := Prio3CountLike{}

	_, leaderShare, helperShare, err := v.Shard([]byte{1}, nil)
	if err != nil {
		t.Fatalf("shard: %v", err)
	}

	leaderPrep, err := v.PrepInit(nil, nil, leaderShare, true)
	if err != nil {
		t.Fatalf("leader prep init: %v", err)
	}
	helperPrep, err := v.PrepInit(nil, nil, helperShare, false)
	if err != nil {
		t.Fatalf("helper prep init: %v", err)
	}

	leaderOut, err := v.PrepNext(leaderPrep, helperPrep)
	if err != nil {
		t.Fatalf("leader prep next: %v", err)
	}
	helperOut, err := v.PrepNext(helperPrep, leaderPrep)
	if err != nil {
		t.Fatalf("helper prep next: %v", err)
	}

	leaderAgg, err := v.AggregateInit(nil)
	if err != nil {
		t.Fatalf("leader aggregate init: %v", err)
	}
	leaderAgg, err = v.Aggregate(leaderAgg, leaderOut)
	if err != nil {
		t.Fatalf("leader aggregate: %v", err)
	}
	helperAgg, err := v.AggregateInit(nil)
	if err != nil {
		t.Fatalf("helper aggregate init: %v", err)
	}
	helperAgg, err = v.Aggregate(helperAgg, helperOut)
	if err != nil {
		t.Fatalf("helper aggregate: %v", err)
	}

	result, err := v.Unshard(leaderAgg, helperAgg, 1)
	if err != nil {
		t.Fatalf("unshard: %v", err)
	}
	if decodeU64(result) != 1 {
		t.Fatalf("expected measurement 1 to round trip, got %d", decodeU64(result))
	}
}

func TestPrio3CountLikeShardRejectsNonBooleanMeasurement(t *testing.T) {
	v := Prio3CountLike{}
	if _, _, _, err := v.Shard([]byte{2}, nil); err != ErrMalformedShare {
		t.Fatalf("expected ErrMalformedShare, got %v", err)
	}
	if _, _, _, err := v.Shard([]byte{}, nil); err != ErrMalformedShare {
		t.Fatalf("expected ErrMalformedShare for empty measurement, got %v", err)
	}
}

func TestPrio3CountLikeAggregateRejectsMalformedInput(t *testing.T) {
	v := Prio3CountLike{}
	if _, err := v.Aggregate([]byte{1, 2, 3}, encodeU64(1)); err != ErrMalformedShare {
		t.Fatalf("expected ErrMalformedShare for a short accumulator, got %v", err)
	}
}

func TestPrio3CountLikeAggregatesMultipleReports(t *testing.T) {
	v := Prio3CountLike{}
	acc, _ := v.AggregateInit(nil)
	for i := 0; i < 5; i++ {
		var err error
		acc, err = v.Aggregate(acc, encodeU64(1))
		if err != nil {
			t.Fatalf("aggregate: %v", err)
		}
	}
	if decodeU64(acc) != 5 {
		t.Fatalf("expected accumulator 5, got %d", decodeU64(acc))
	}
}
