package usage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestTracker_TrackAggregatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	ctx := WithTurn(context.Background(), "Alpha", "chan-1")
	tracker.Track(ctx, "gemini-2.5-flash", "key-a", 120, OpPerceive)
	tracker.Track(ctx, "gemini-2.5-flash", "key-a", 80, OpRespond)
	tracker.Track(context.Background(), "gemini-2.5-pro", "key-b", 50, OpRegulate)

	stats := tracker.Stats()
	if stats.Total.Calls != 3 || stats.Total.Tokens != 250 {
		t.Fatalf("Total=%+v, want calls=3 tokens=250", stats.Total)
	}
	if got := stats.ByModel["gemini-2.5-flash"]; got.Tokens != 200 || got.Calls != 2 {
		t.Fatalf("ByModel[flash]=%+v, want calls=2 tokens=200", got)
	}
	if got := stats.ByKey["key-b"]; got.Tokens != 50 {
		t.Fatalf("ByKey[key-b]=%+v, want tokens=50", got)
	}
	if got := stats.ByMinion["Alpha"]; got.Tokens != 200 {
		t.Fatalf("ByMinion[Alpha]=%+v, want tokens=200", got)
	}
	if _, ok := stats.ByMinion[""]; ok {
		t.Fatalf("untagged calls must not create an empty minion entry")
	}
	if got := stats.ByChannel["chan-1"]; got.Calls != 2 {
		t.Fatalf("ByChannel[chan-1]=%+v, want calls=2", got)
	}
	if got := stats.ByOperation["regulate"]; got.Tokens != 50 {
		t.Fatalf("ByOperation[regulate]=%+v, want tokens=50", got)
	}

	if err := tracker.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "usage.json"))
	if err != nil {
		t.Fatalf("read usage.json: %v", err)
	}
	var persisted UsageData
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal usage.json: %v", err)
	}
	if persisted.Aggregate.Total.Tokens != 250 {
		t.Fatalf("persisted tokens=%d, want 250", persisted.Aggregate.Total.Tokens)
	}

	reloaded, err := NewTracker(dir)
	if err != nil {
		t.Fatalf("NewTracker reload: %v", err)
	}
	if got := reloaded.Stats().ByKey["key-a"]; got.Calls != 2 {
		t.Fatalf("reloaded ByKey[key-a]=%+v, want calls=2", got)
	}
}

func TestTracker_CorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "usage.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	tracker, err := NewTracker(dir)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tracker.Track(context.Background(), "m", "k", 1, OpRespond)
	if got := tracker.Stats().Total.Calls; got != 1 {
		t.Fatalf("calls=%d, want 1", got)
	}
}

func TestTracker_ContextHelpers(t *testing.T) {
	tracker, err := NewTracker(t.TempDir())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	ctx := NewContext(context.Background(), tracker)
	if got := FromContext(ctx); got != tracker {
		t.Fatalf("FromContext mismatch")
	}
	if got := FromContext(context.Background()); got != nil {
		t.Fatalf("FromContext on bare context = %v, want nil", got)
	}
	ctx = WithTurn(ctx, "Beta", "c")
	if MinionFrom(ctx) != "Beta" || ChannelFrom(ctx) != "c" {
		t.Fatalf("WithTurn tags lost")
	}
}
