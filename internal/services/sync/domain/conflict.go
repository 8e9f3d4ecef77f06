package domain

import (
	"fmt"
	"strings"
	"time"
)

// Strategy is a conflict-resolution policy applied when both systems hold
// diverged versions of the same entity.
type Strategy string

const (
	// StrategySourceWins always keeps the source-system record.
	StrategySourceWins Strategy = "sourceWins"
	// StrategyTargetWins always keeps the target-system record.
	StrategyTargetWins Strategy = "targetWins"
	// StrategyMostRecent keeps the side with the later version timestamp;
	// ties prefer the source system so resolution stays deterministic.
	StrategyMostRecent Strategy = "mostRecent"
	// StrategyMerge unions fields from both sides, source winning overlaps.
	StrategyMerge Strategy = "merge"
	// StrategyManual parks the operation for human resolution.
	StrategyManual Strategy = "manual"
)

// ParseStrategy validates a conflict-resolution strategy name.
func ParseStrategy(value string) (Strategy, error) {
	switch Strategy(strings.TrimSpace(value)) {
	case StrategySourceWins, StrategyTargetWins, StrategyMostRecent, StrategyMerge, StrategyManual:
		return Strategy(strings.TrimSpace(value)), nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", value)
	}
}

// Conflict describes a detected divergence for one entity.
type Conflict struct {
	EntityType    EntityType
	EntityID      string
	Source        map[string]any
	Target        map[string]any
	SourceVersion time.Time
	TargetVersion time.Time
}

// Resolve applies a strategy to a conflict and returns the winning record.
// StrategyManual returns a ConflictError; callers park the operation instead
// of applying anything.
func Resolve(strategy Strategy, c Conflict) (map[string]any, error) {
	switch strategy {
	case StrategySourceWins:
		return c.Source, nil
	case StrategyTargetWins:
		return c.Target, nil
	case StrategyMostRecent:
		if c.TargetVersion.After(c.SourceVersion) {
			return c.Target, nil
		}
		// Later source, or a tie: the source system wins.
		return c.Source, nil
	case StrategyMerge:
		merged := make(map[string]any, len(c.Source)+len(c.Target))
		for key, value := range c.Target {
			merged[key] = value
		}
		for key, value := range c.Source {
			merged[key] = value
		}
		return merged, nil
	case StrategyManual:
		return nil, &ConflictError{EntityType: c.EntityType, EntityID: c.EntityID}
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}
