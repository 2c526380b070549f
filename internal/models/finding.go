package models

import "time"

type FindingKind string

const (
	FindingOrphanPosition  FindingKind = "orphan_position"
	FindingPhantomPosition FindingKind = "phantom_position"
	FindingMissingProtect  FindingKind = "missing_protective_order"
	FindingOrphanOrder     FindingKind = "orphan_order"
	FindingSizeMismatch    FindingKind = "position_size_mismatch"
)

// Finding: расхождение, найденное сверкой, вместе с результатом ремонта.
type Finding struct {
	Kind     FindingKind    `json:"kind"`
	Level    Level          `json:"level"`
	Detail   string         `json:"detail"`
	Context  map[string]any `json:"context,omitempty"`
	Repaired bool           `json:"repaired"`
	Error    string         `json:"error,omitempty"`
}

// Unresolved: критичная находка, которую не удалось исправить.
func (f Finding) Unresolved() bool {
	return f.Level == LevelCritical && !f.Repaired
}

type ReconcileTrigger string

const (
	TriggerStartup  ReconcileTrigger = "startup"
	TriggerPeriodic ReconcileTrigger = "periodic"
	TriggerManual   ReconcileTrigger = "manual"
)

type ReconcileStatus string

const (
	ReconcileOK       ReconcileStatus = "ok"
	ReconcileRepaired ReconcileStatus = "repaired"
	ReconcileFailed   ReconcileStatus = "failed"
)

// ReconciliationReport: итог одного прогона сверки (пишется всегда, в т.ч. при ok).
type ReconciliationReport struct {
	RunID      string           `json:"run_id"`
	Symbol     string           `json:"symbol"`
	Trigger    ReconcileTrigger `json:"trigger"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Findings   []Finding        `json:"findings"`
	Status     ReconcileStatus  `json:"status"`
	Error      string           `json:"error,omitempty"`
}

func (r ReconciliationReport) HasUnresolvedCritical() bool {
	for _, f := range r.Findings {
		if f.Unresolved() {
			return true
		}
	}
	return false
}

// Clean: сверка прошла и ничего не нашла.
func (r ReconciliationReport) Clean() bool {
	return r.Status == ReconcileOK && len(r.Findings) == 0
}

// MaxLevel самый высокий уровень среди находок (INFO, если их нет).
func (r ReconciliationReport) MaxLevel() Level {
	lvl := LevelInfo
	if r.Status == ReconcileFailed {
		lvl = LevelError
	}
	for _, f := range r.Findings {
		if f.Level.Rank() > lvl.Rank() {
			lvl = f.Level
		}
	}
	return lvl
}
