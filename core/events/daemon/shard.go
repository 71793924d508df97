package daemon

import (
	"fmt"
	"time"
)

const (
	// AllShards is the shard key of an unsharded projection.
	AllShards = "All"
	// HighWaterMark is the shard name used for high-water states.
	HighWaterMark = "HighWaterMark"
)

// ShardName identifies one independently progressing projection shard.
// Bumping Version makes it a new shard that replays from zero.
type ShardName struct {
	Name     string
	ShardKey string
	Version  uint
}

func NewShardName(name string) ShardName {
	return ShardName{Name: name, ShardKey: AllShards, Version: 1}
}

// Identity is the string form used as map key and progress key.
func (s ShardName) Identity() string {
	key := s.ShardKey
	if key == "" {
		key = AllShards
	}
	if s.Version > 1 {
		return fmt.Sprintf("%s:V%d:%s", s.Name, s.Version, key)
	}
	return s.Name + ":" + key
}

func (s ShardName) String() string { return s.Identity() }

// ShardAction is what happened to a shard.
type ShardAction int

const (
	ActionUpdated ShardAction = iota
	ActionStarted
	ActionStopped
	ActionPaused
	ActionSkipped
)

func (a ShardAction) String() string {
	switch a {
	case ActionUpdated:
		return "Updated"
	case ActionStarted:
		return "Started"
	case ActionStopped:
		return "Stopped"
	case ActionPaused:
		return "Paused"
	case ActionSkipped:
		return "Skipped"
	}
	return fmt.Sprintf("ShardAction(%d)", int(a))
}

// ShardState is a point-in-time progress notification.
type ShardState struct {
	ShardName        string
	Sequence         int64
	Action           ShardAction
	PreviousGoodMark int64
	Timestamp        time.Time
	Err              error
}

func NewShardState(shardName string, sequence int64) ShardState {
	return ShardState{ShardName: shardName, Sequence: sequence, Action: ActionUpdated, Timestamp: time.Now()}
}

func (s ShardState) String() string {
	return fmt.Sprintf("%s@%d (%s)", s.ShardName, s.Sequence, s.Action)
}

// ShardExecutionMode selects incremental or full processing.
type ShardExecutionMode int

const (
	Continuous ShardExecutionMode = iota
	Rebuild
)

func (m ShardExecutionMode) String() string {
	if m == Rebuild {
		return "Rebuild"
	}
	return "Continuous"
}
