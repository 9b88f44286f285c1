// Package budget is a pure function over cost statistics and the budget
// config document: whether spend is currently allowed, and which alert
// thresholds have been crossed.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/storage"
)

// Status is the computed budget state for the current day and month.
type Status struct {
	Allowed          bool     `json:"allowed"`
	CurrentDayCost   float64  `json:"currentDayCost"`
	CurrentMonthCost float64  `json:"currentMonthCost"`
	DailyLimit       float64  `json:"dailyLimit,omitempty"`
	MonthlyLimit     float64  `json:"monthlyLimit,omitempty"`
	HardLimit        bool     `json:"hardLimit"`
	Alerts           []string `json:"alerts,omitempty"`
}

// CostSource is the subset of storage.Store the budget check needs.
type CostSource interface {
	GetCostStats(ctx context.Context, pricing map[string]storage.ModelPricing, from, to *time.Time) (storage.CostStats, error)
}

// Check computes the current Status given cfg and live cost stats, using
// pricing to convert token usage to dollars.
func Check(ctx context.Context, store CostSource, cfg *config.BudgetConfig, pricing map[string]storage.ModelPricing, now time.Time) (Status, error) {
	if cfg == nil {
		return Status{Allowed: true}, nil
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	dayStats, err := store.GetCostStats(ctx, pricing, &dayStart, nil)
	if err != nil {
		return Status{}, fmt.Errorf("budget: day cost stats: %w", err)
	}
	monthStats, err := store.GetCostStats(ctx, pricing, &monthStart, nil)
	if err != nil {
		return Status{}, fmt.Errorf("budget: month cost stats: %w", err)
	}

	status := Status{
		Allowed:          true,
		CurrentDayCost:   dayStats.TotalCost,
		CurrentMonthCost: monthStats.TotalCost,
		DailyLimit:       cfg.DailyLimit,
		MonthlyLimit:     cfg.MonthlyLimit,
		HardLimit:        cfg.HardLimit,
	}

	overDaily := cfg.DailyLimit > 0 && dayStats.TotalCost >= cfg.DailyLimit
	overMonthly := cfg.MonthlyLimit > 0 && monthStats.TotalCost >= cfg.MonthlyLimit
	if (overDaily || overMonthly) && cfg.HardLimit {
		status.Allowed = false
	}

	for _, pct := range cfg.AlertThresholds {
		threshold := float64(pct) / 100.0
		if cfg.DailyLimit > 0 && dayStats.TotalCost >= cfg.DailyLimit*threshold {
			status.Alerts = append(status.Alerts, fmt.Sprintf("daily spend at %d%% of limit", pct))
		}
		if cfg.MonthlyLimit > 0 && monthStats.TotalCost >= cfg.MonthlyLimit*threshold {
			status.Alerts = append(status.Alerts, fmt.Sprintf("monthly spend at %d%% of limit", pct))
		}
	}

	return status, nil
}
