package tui

import "time"

type Snapshot struct {
	Timestamp  time.Time
	Channel    string
	DryRun     bool
	Cycles     int
	LastCycle  CycleState
	NextCycle  time.Time
	Conditions []ConditionState
	Recent     []ConvergenceState // newest first
}

type CycleState struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Messages int
	Err      string
}

type ConditionState struct {
	Name      string // merged|approved
	Reaction  string
	Queued    int
	Converged int
	Pending   int
}

type ConvergenceState struct {
	Condition string
	TS        string
	Refs      []string
	Reacted   bool
	DryRun    bool
	At        time.Time
}
