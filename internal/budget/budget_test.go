package budget

import (
	"context"
	"testing"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/storage"
)

type fakeCostSource struct {
	dayTotal   float64
	monthTotal float64
}

func (f fakeCostSource) GetCostStats(ctx context.Context, pricing map[string]storage.ModelPricing, from, to *time.Time) (storage.CostStats, error) {
	if to == nil && from != nil {
		// distinguish the day-start vs month-start call by day-of-month
		if from.Day() == 1 {
			return storage.CostStats{TotalCost: f.monthTotal}, nil
		}
		return storage.CostStats{TotalCost: f.dayTotal}, nil
	}
	return storage.CostStats{}, nil
}

func TestCheck_NilConfigAlwaysAllowed(t *testing.T) {
	status, err := Check(context.Background(), fakeCostSource{}, nil, nil, time.Now())
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if !status.Allowed {
		t.Fatalf("expected allowed with nil config")
	}
}

func TestCheck_UnderLimitAllowed(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	cfg := &config.BudgetConfig{DailyLimit: 10, MonthlyLimit: 100, HardLimit: true}
	status, err := Check(context.Background(), fakeCostSource{dayTotal: 2, monthTotal: 20}, cfg, nil, now)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if !status.Allowed {
		t.Fatalf("expected allowed under limit")
	}
}

func TestCheck_OverDailyHardLimitBlocks(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	cfg := &config.BudgetConfig{DailyLimit: 10, HardLimit: true}
	status, err := Check(context.Background(), fakeCostSource{dayTotal: 15}, cfg, nil, now)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if status.Allowed {
		t.Fatalf("expected blocked over hard daily limit")
	}
}

func TestCheck_OverLimitWithoutHardLimitStillAllowed(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	cfg := &config.BudgetConfig{DailyLimit: 10, HardLimit: false}
	status, err := Check(context.Background(), fakeCostSource{dayTotal: 15}, cfg, nil, now)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if !status.Allowed {
		t.Fatalf("expected soft limit to still allow spend")
	}
}

func TestCheck_AlertThresholdsReported(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	cfg := &config.BudgetConfig{DailyLimit: 10, AlertThresholds: []int{50, 90}}
	status, err := Check(context.Background(), fakeCostSource{dayTotal: 9}, cfg, nil, now)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if len(status.Alerts) != 2 {
		t.Fatalf("expected 2 alerts crossed at 9/10, got %v", status.Alerts)
	}
}
