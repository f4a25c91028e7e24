package api

import (
	"fmt"
	"strings"
)

// HistoryLevel controls which runtime events are captured as history.
// Levels are ordered: LevelNone < LevelActivity < LevelAudit < LevelFull.
type HistoryLevel int

const (
	LevelNone HistoryLevel = iota
	LevelActivity
	LevelAudit
	LevelFull
)

func (l HistoryLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelActivity:
		return "activity"
	case LevelAudit:
		return "audit"
	case LevelFull:
		return "full"
	default:
		return fmt.Sprintf("HistoryLevel(%d)", int(l))
	}
}

// ParseHistoryLevel converts a case-insensitive level name into a HistoryLevel.
func ParseHistoryLevel(s string) (HistoryLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return LevelNone, nil
	case "activity":
		return LevelActivity, nil
	case "audit", "":
		return LevelAudit, nil
	case "full":
		return LevelFull, nil
	default:
		return LevelNone, fmt.Errorf("unknown history level %q", s)
	}
}

// IsAtLeast reports whether the configured level captures events that
// require the given level.
func IsAtLeast(required, configured HistoryLevel) bool {
	return configured >= required
}
