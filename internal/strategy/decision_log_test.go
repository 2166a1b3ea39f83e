package strategy

import (
	"testing"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

func TestDecisionLogThrottle(t *testing.T) {
	var got []domain.SignalLog
	l := NewDecisionLog("cfg-1", "ETH", func(e domain.SignalLog) { got = append(got, e) }, nil)

	at := time.UnixMilli(1_700_000_000_000)
	in := SignalInput{Price: 100, Now: at}

	l.Record(domain.LogInfo, "hold", "first", in)
	in.Now = at.Add(5 * time.Millisecond)
	l.Record(domain.LogInfo, "hold", "throttled", in)
	if len(got) != 1 {
		t.Fatalf("expected 1 event inside throttle window, got %d", len(got))
	}

	l.Record(domain.LogSignal, "entry", "signal", in)
	l.Record(domain.LogSignal, "entry", "signal again", in)
	if len(got) != 3 {
		t.Fatalf("expected SIGNAL events to bypass throttle, got %d", len(got))
	}

	in.Now = at.Add(25 * time.Millisecond)
	l.Record(domain.LogInfo, "hold", "after window", in)
	if len(got) != 4 {
		t.Fatalf("expected event after throttle window, got %d", len(got))
	}
	if got[3].ConfigID != "cfg-1" || got[3].Symbol != "ETH" || got[3].Price != 100 {
		t.Fatalf("unexpected event fields: %+v", got[3])
	}
}

func TestDecisionLogBackwardsClock(t *testing.T) {
	var got []domain.SignalLog
	l := NewDecisionLog("cfg-1", "ETH", func(e domain.SignalLog) { got = append(got, e) }, nil)

	at := time.UnixMilli(1_700_000_000_000)
	in := SignalInput{Price: 100, Now: at}
	l.Record(domain.LogInfo, "hold", "first", in)

	tests := []struct {
		name   string
		offset time.Duration
		want   int
	}{
		{name: "older timestamp restarts window", offset: -time.Second, want: 2},
		{name: "inside restarted window", offset: -time.Second + 5*time.Millisecond, want: 2},
		{name: "after restarted window", offset: -time.Second + 30*time.Millisecond, want: 3},
	}
	for _, tc := range tests {
		in.Now = at.Add(tc.offset)
		l.Record(domain.LogInfo, "hold", tc.name, in)
		if len(got) != tc.want {
			t.Fatalf("%s: expected %d events, got %d", tc.name, tc.want, len(got))
		}
	}
}

func TestDecisionLogNilIsNoop(t *testing.T) {
	var l *DecisionLog
	if l.Record(domain.LogSignal, "entry", "x", SignalInput{}) {
		t.Fatal("expected nil log to drop events")
	}
}
