package engine

import "github.com/lumenforge/agentflow/internal/types"

// ClassConfig is the immutable per-class queue configuration of spec.md §4.C.
type ClassConfig struct {
	DefaultPriority int
	MaxConcurrency  int
}

// DefaultClassConfig returns the documented defaults, one entry per class.
func DefaultClassConfig() map[types.AgentClass]ClassConfig {
	return map[types.AgentClass]ClassConfig{
		types.ClassOrchestrator: {DefaultPriority: 0, MaxConcurrency: 1},
		types.ClassIngestion:    {DefaultPriority: 1, MaxConcurrency: 3},
		types.ClassAnalysis:     {DefaultPriority: 2, MaxConcurrency: 5},
		types.ClassExtraction:   {DefaultPriority: 3, MaxConcurrency: 4},
		types.ClassPedagogy:     {DefaultPriority: 4, MaxConcurrency: 3},
		types.ClassSynthesis:    {DefaultPriority: 5, MaxConcurrency: 2},
	}
}
