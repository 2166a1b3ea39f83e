package strategy

import (
	"testing"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

func testSignalConfig() SignalConfig {
	return SignalConfig{
		WindowSize:                  5,
		ZScoreThreshold:             2,
		MinZScoreExit:               0,
		StopLossPercent:             5,
		TakeProfitPercent:           1,
		SoftTimeout:                 30 * time.Second,
		MaxDCAEntries:               2,
		DCAZScoreMultiplier:         1.5,
		MinDCAPriceDeviationPercent: 1,
		MinMADThreshold:             0.01,
	}
}

var signalNow = time.UnixMilli(1_700_000_000_000)

func longState(entry float64, held time.Duration) domain.AlgorithmState {
	return domain.AlgorithmState{
		PositionState: domain.PositionLong,
		RoundID:       "round-1",
		EntryPrice:    entry,
		Amount:        1,
		EntryTime:     signalNow.Add(-held),
	}
}

func input(price, z float64, st domain.AlgorithmState) SignalInput {
	return SignalInput{
		Price:   price,
		Stats:   domain.Stats{Median: price, MAD: 1, ZScore: z},
		State:   st,
		Samples: 5,
		Now:     signalNow,
	}
}

func TestSignalStopLoss(t *testing.T) {
	e := NewSignalEngine(testSignalConfig(), nil)
	sig := e.Evaluate(input(94.9, 0, longState(100, time.Second)))
	if sig.Action != domain.ActionSell || sig.Status != domain.RoundStoppedOut || sig.Reason != domain.SellStopLoss {
		t.Fatalf("expected SELL/STOPPED_OUT, got %+v", sig)
	}
}

func TestSignalTakeProfit(t *testing.T) {
	cfg := testSignalConfig()
	cfg.TakeProfitPercent = 0.05
	e := NewSignalEngine(cfg, nil)
	sig := e.Evaluate(input(100.1, -3, longState(100, time.Second)))
	if sig.Action != domain.ActionSell || sig.Status != domain.RoundClosed || sig.Reason != domain.SellTakeProfit {
		t.Fatalf("expected SELL/CLOSED take profit, got %+v", sig)
	}
}

func TestSignalSoftTimeoutExit(t *testing.T) {
	e := NewSignalEngine(testSignalConfig(), nil)
	in := input(100, -0.5, longState(100, 31*time.Second))
	in.Diff = domain.DifferentialState{Velocity: 0}

	sig := e.Evaluate(in)
	if sig.Action != domain.ActionSell || sig.Status != domain.RoundClosed || sig.Reason != domain.SellTimeDecay {
		t.Fatalf("expected SELL/CLOSED via TIME_DECAY, got %+v", sig)
	}
	if sig.TargetZ != softTimeoutExitZ {
		t.Fatalf("expected target %v, got %v", softTimeoutExitZ, sig.TargetZ)
	}
}

func TestSignalSoftTimeoutDefersWhileFalling(t *testing.T) {
	e := NewSignalEngine(testSignalConfig(), nil)
	in := input(100, -0.5, longState(100, 31*time.Second))
	in.Diff = domain.DifferentialState{Velocity: -0.01}

	if sig := e.Evaluate(in); !sig.IsNone() {
		t.Fatalf("expected no signal while price falls, got %+v", sig)
	}
}

func TestSignalDoubleSoftTimeoutTarget(t *testing.T) {
	e := NewSignalEngine(testSignalConfig(), nil)
	in := input(100, -1.2, longState(100, 61*time.Second))

	sig := e.Evaluate(in)
	if sig.Action != domain.ActionSell || sig.TargetZ != doubleSoftTimeoutExitZ {
		t.Fatalf("expected exit at relaxed target -1.5, got %+v", sig)
	}

	e = NewSignalEngine(testSignalConfig(), nil)
	in = input(100, -1.2, longState(100, 31*time.Second))
	if sig := e.Evaluate(in); !sig.IsNone() {
		t.Fatalf("expected hold below -1.0 target, got %+v", sig)
	}
}

func TestSignalMeanReversionExit(t *testing.T) {
	e := NewSignalEngine(testSignalConfig(), nil)
	sig := e.Evaluate(input(100.5, 0.2, longState(100, time.Second)))
	if sig.Action != domain.ActionSell || sig.Reason != domain.SellMeanReversion {
		t.Fatalf("expected mean reversion exit, got %+v", sig)
	}
}

func TestSignalWarmupAndPersistingGate(t *testing.T) {
	e := NewSignalEngine(testSignalConfig(), nil)

	in := input(94, 0, longState(100, time.Second))
	in.Samples = 4
	if sig := e.Evaluate(in); !sig.IsNone() {
		t.Fatalf("expected no signal during warm-up, got %+v", sig)
	}

	in = input(94, 0, longState(100, time.Second))
	in.State.IsPersisting = true
	if sig := e.Evaluate(in); !sig.IsNone() {
		t.Fatalf("expected no signal while persisting, got %+v", sig)
	}
}

func TestSignalFirstEntry(t *testing.T) {
	cases := []struct {
		name string
		z    float64
		diff domain.DifferentialState
		want domain.Action
	}{
		{"below threshold", -2.5, domain.DifferentialState{Velocity: 0.1}, domain.ActionBuy},
		{"not deep enough", -1.9, domain.DifferentialState{}, domain.ActionNone},
		{"falling knife", -2.5, domain.DifferentialState{Velocity: -1, Acceleration: -1}, domain.ActionNone},
		{"panic override", -6.5, domain.DifferentialState{Velocity: -1, Acceleration: -1}, domain.ActionBuy},
		{"decelerating fall", -2.5, domain.DifferentialState{Velocity: -1, Acceleration: 1}, domain.ActionBuy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewSignalEngine(testSignalConfig(), nil)
			in := input(100, tc.z, domain.AlgorithmState{PositionState: domain.PositionNone})
			in.Diff = tc.diff
			sig := e.Evaluate(in)
			got := sig.Action
			if sig.IsNone() {
				got = domain.ActionNone
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, sig)
			}
			if got == domain.ActionBuy && sig.IsDCA {
				t.Fatal("first entry must not be flagged as DCA")
			}
		})
	}
}

func TestSignalVolatilityFloorSuppressesEntries(t *testing.T) {
	e := NewSignalEngine(testSignalConfig(), nil)
	in := input(100, -4, domain.AlgorithmState{PositionState: domain.PositionNone})
	in.Stats.MAD = 0.001
	if sig := e.Evaluate(in); !sig.IsNone() {
		t.Fatalf("expected entry suppressed by volatility floor, got %+v", sig)
	}

	in = input(94, -4, longState(100, time.Second))
	in.Stats.MAD = 0.001
	if sig := e.Evaluate(in); sig.Action != domain.ActionSell {
		t.Fatalf("expected stop loss to ignore volatility floor, got %+v", sig)
	}
}

func TestSignalDCA(t *testing.T) {
	e := NewSignalEngine(testSignalConfig(), nil)

	st := longState(100, time.Second)
	sig := e.Evaluate(input(98.5, -3.5, st))
	if sig.Action != domain.ActionBuy || !sig.IsDCA {
		t.Fatalf("expected DCA buy, got %+v", sig)
	}

	// Debounced inside the minimum signal interval.
	in := input(98.4, -3.6, st)
	in.Now = signalNow.Add(100 * time.Millisecond)
	if sig := e.Evaluate(in); !sig.IsNone() {
		t.Fatalf("expected DCA debounced, got %+v", sig)
	}

	in.Now = signalNow.Add(600 * time.Millisecond)
	if sig := e.Evaluate(in); !sig.IsDCA {
		t.Fatalf("expected DCA after interval, got %+v", sig)
	}
}

func TestSignalDCARespectsLimits(t *testing.T) {
	e := NewSignalEngine(testSignalConfig(), nil)

	st := longState(100, time.Second)
	st.DCACount = 2
	if sig := e.Evaluate(input(98, -4, st)); !sig.IsNone() {
		t.Fatalf("expected no DCA at max entries, got %+v", sig)
	}

	st.DCACount = 0
	if sig := e.Evaluate(input(99.5, -4, st)); !sig.IsNone() {
		t.Fatalf("expected no DCA within price deviation guard, got %+v", sig)
	}

	if sig := e.Evaluate(input(98, -2.5, st)); !sig.IsNone() {
		t.Fatalf("expected no DCA above dca z threshold, got %+v", sig)
	}
}
