package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

func TestRoundStore_SingleOpenRoundPerConfig(t *testing.T) {
	ctx := context.Background()
	rounds := New().Rounds()

	if err := rounds.OpenRound(ctx, domain.Round{ID: "r1", ConfigID: "c1", BuyPrice: 10, BuyAmount: 1}); err != nil {
		t.Fatalf("open r1: %v", err)
	}
	err := rounds.OpenRound(ctx, domain.Round{ID: "r2", ConfigID: "c1", BuyPrice: 10, BuyAmount: 1})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if err := rounds.CloseRound(ctx, "r1", domain.RoundClose{Status: domain.RoundClosed, SellPrice: 11, SellTime: time.Now()}); err != nil {
		t.Fatalf("close r1: %v", err)
	}
	if err := rounds.CloseRound(ctx, "r1", domain.RoundClose{Status: domain.RoundClosed}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second close, got %v", err)
	}
	if _, err := rounds.GetOpenRound(ctx, "c1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected no open round, got %v", err)
	}
	if err := rounds.OpenRound(ctx, domain.Round{ID: "r2", ConfigID: "c1", BuyPrice: 10, BuyAmount: 1}); err != nil {
		t.Fatalf("open r2 after close: %v", err)
	}
}

func TestLiquidityOpStore_UpdateOpStatus(t *testing.T) {
	ctx := context.Background()
	ops := New().LiquidityOps()

	if err := ops.CreateOp(ctx, domain.LiquidityOp{ID: "op1", Symbol: "HYPE"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	tests := []struct {
		name    string
		from    domain.OpStatus
		to      domain.OpStatus
		wantErr error
	}{
		{"graph forbids", domain.OpPending, domain.OpCompleted, domain.ErrInvalidTransition},
		{"stale from", domain.OpExecuting, domain.OpCompleted, domain.ErrNotFound},
		{"claim", domain.OpPending, domain.OpExecuting, nil},
		{"double claim", domain.OpPending, domain.OpExecuting, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ops.UpdateOpStatus(ctx, "op1", tt.from, tt.to, domain.OpPatch{})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if err := ops.UpdateOpStatus(ctx, "op1", domain.OpExecuting, domain.OpFailed, domain.OpPatch{Error: "boom", SpotOrderID: "s1"}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	op, _ := ops.GetOp(ctx, "op1")
	if op.Status != domain.OpFailed || op.Error != "boom" || op.SpotOrderID != "s1" {
		t.Fatalf("unexpected op after patch: %+v", op)
	}
}

func TestControlStore_AckCommand(t *testing.T) {
	ctx := context.Background()
	control := New().Control()

	if err := control.UpdateState(ctx, domain.ControlState{ConfigID: "c1", PendingCommand: domain.CommandPanicClose}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := control.AckCommand(ctx, "c1", domain.CommandManualClose); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected mismatched ack to fail, got %v", err)
	}
	if err := control.AckCommand(ctx, "c1", domain.CommandPanicClose); err != nil {
		t.Fatalf("ack: %v", err)
	}
	st, _ := control.GetState(ctx, "c1")
	if st.PendingCommand != domain.CommandNone || st.AckedAt == nil {
		t.Fatalf("expected cleared command with ack time, got %+v", st)
	}
}
