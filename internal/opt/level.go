package opt

import (
	"fmt"
	"strings"
)

// Level is the generic optimization tier. Each level enables a superset of
// the generic passes of the previous one.
type Level uint8

const (
	LevelNone Level = iota
	LevelLess
	LevelDefault
	LevelAggressive
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLess:
		return "less"
	case LevelDefault:
		return "default"
	case LevelAggressive:
		return "aggressive"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ParseLevel accepts a level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "o0":
		return LevelNone, nil
	case "less", "o1":
		return LevelLess, nil
	case "default", "o2", "":
		return LevelDefault, nil
	case "aggressive", "o3":
		return LevelAggressive, nil
	}
	return LevelNone, fmt.Errorf("invalid optimization level: %q (expected: none|less|default|aggressive)", s)
}

// Profile tunes the passes appended after the level set.
type Profile uint8

const (
	ProfileBalanced Profile = iota
	ProfileSize
	ProfileSpeed
	ProfileCustom
)

func (p Profile) String() string {
	switch p {
	case ProfileBalanced:
		return "balanced"
	case ProfileSize:
		return "size"
	case ProfileSpeed:
		return "speed"
	case ProfileCustom:
		return "custom"
	}
	return fmt.Sprintf("profile(%d)", uint8(p))
}

// ParseProfile accepts a profile name.
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "balanced", "":
		return ProfileBalanced, nil
	case "size":
		return ProfileSize, nil
	case "speed":
		return ProfileSpeed, nil
	case "custom":
		return ProfileCustom, nil
	}
	return ProfileBalanced, fmt.Errorf("invalid optimization profile: %q (expected: size|speed|balanced|custom)", s)
}
