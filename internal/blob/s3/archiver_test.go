package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
	"github.com/alanyoungcy/wickhunter/internal/store/memory"
)

type fakeBucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart int
	putErr    error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (b *fakeBucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if b.putErr != nil {
		return b.putErr
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = buf
	return nil
}

func (b *fakeBucket) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	b.mu.Lock()
	b.multipart++
	b.mu.Unlock()
	return b.Put(ctx, path, data, "")
}

func (b *fakeBucket) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func (b *fakeBucket) lines(t *testing.T, path string) []map[string]any {
	t.Helper()
	b.mu.Lock()
	data, ok := b.objects[path]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("expected object %s to exist", path)
	}
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line is not json: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func closedRound(t *testing.T, rounds *memory.RoundStore, id string, sold time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := rounds.OpenRound(ctx, domain.Round{ID: id, ConfigID: "cfg-" + id, Symbol: "ETH", BuyPrice: 100, BuyAmount: 1, BuyTime: sold.Add(-time.Minute)}); err != nil {
		t.Fatalf("open round: %v", err)
	}
	if err := rounds.CloseRound(ctx, id, domain.RoundClose{Status: domain.RoundClosed, Reason: domain.SellTakeProfit, SellPrice: 101, SellTime: sold, FinalPnL: 1}); err != nil {
		t.Fatalf("close round: %v", err)
	}
}

func TestPartitionPath(t *testing.T) {
	day := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	if got := partitionPath("rounds", day); got != "rounds/2025/01/31/rounds.jsonl" {
		t.Fatalf("unexpected path %s", got)
	}
}

func TestArchiver_RunOnceWritesCompleteDaysPastRetention(t *testing.T) {
	store := memory.New()
	rounds := store.Rounds()
	logs := store.SignalLogs()
	bucket := newFakeBucket()

	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	old := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)

	closedRound(t, rounds, "r-old", old)
	closedRound(t, rounds, "r-recent", recent)
	ctx := context.Background()
	_ = logs.Append(ctx, domain.SignalLog{ConfigID: "cfg", Event: "SIGNAL", Message: "buy", CreatedAt: old})
	_ = logs.Append(ctx, domain.SignalLog{ConfigID: "cfg", Event: "SIGNAL", Message: "sell", CreatedAt: old.Add(time.Hour)})
	_ = logs.Append(ctx, domain.SignalLog{ConfigID: "cfg", Event: "SIGNAL", Message: "late", CreatedAt: recent})

	a := NewArchiver(ArchiverConfig{Retention: 7 * day, Lookback: 10 * day}, bucket, bucket, rounds, logs, silentLogger())
	a.now = func() time.Time { return now }

	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got := bucket.lines(t, "rounds/2025/03/01/rounds.jsonl")
	if len(got) != 1 || got[0]["ID"] != "r-old" {
		t.Fatalf("expected only r-old archived, got %v", got)
	}
	entries := bucket.lines(t, "signal_logs/2025/03/01/signal_logs.jsonl")
	if len(entries) != 2 {
		t.Fatalf("expected 2 signal logs, got %d", len(entries))
	}
	if entries[0]["message"] != "buy" || entries[1]["message"] != "sell" {
		t.Fatalf("expected logs in order, got %v", entries)
	}
	if ok, _ := bucket.Exists(ctx, "rounds/2025/03/09/rounds.jsonl"); ok {
		t.Fatalf("expected day inside retention to be left alone")
	}
	if len(bucket.objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(bucket.objects))
	}
}

func TestArchiver_SkipsExistingPartition(t *testing.T) {
	store := memory.New()
	bucket := newFakeBucket()
	day0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	closedRound(t, store.Rounds(), "r-1", day0.Add(time.Hour))

	bucket.objects["rounds/2025/03/01/rounds.jsonl"] = []byte("previous\n")

	a := NewArchiver(ArchiverConfig{}, bucket, bucket, store.Rounds(), store.SignalLogs(), silentLogger())
	if err := a.ArchiveDay(context.Background(), day0); err != nil {
		t.Fatalf("archive day: %v", err)
	}
	if string(bucket.objects["rounds/2025/03/01/rounds.jsonl"]) != "previous\n" {
		t.Fatalf("expected existing partition to be untouched")
	}
}

func TestArchiver_PropagatesUploadError(t *testing.T) {
	store := memory.New()
	bucket := newFakeBucket()
	bucket.putErr = errors.New("bucket offline")
	day0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	closedRound(t, store.Rounds(), "r-1", day0.Add(time.Hour))

	a := NewArchiver(ArchiverConfig{}, bucket, bucket, store.Rounds(), store.SignalLogs(), silentLogger())
	err := a.ArchiveDay(context.Background(), day0)
	if err == nil || !errors.Is(err, bucket.putErr) {
		t.Fatalf("expected upload error, got %v", err)
	}
}

func TestArchiver_MaxRowsCapsPartition(t *testing.T) {
	store := memory.New()
	bucket := newFakeBucket()
	day0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		closedRound(t, store.Rounds(), id, day0.Add(time.Duration(i+1)*time.Hour))
	}

	a := NewArchiver(ArchiverConfig{MaxRows: 2}, bucket, bucket, store.Rounds(), store.SignalLogs(), silentLogger())
	if err := a.ArchiveDay(context.Background(), day0); err != nil {
		t.Fatalf("archive day: %v", err)
	}
	got := bucket.lines(t, "rounds/2025/03/01/rounds.jsonl")
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0]["ID"] != "a" || got[1]["ID"] != "b" {
		t.Fatalf("expected oldest rows first, got %v", got)
	}
}
