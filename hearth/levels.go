package hearth

import (
	"math"
)

const (
	levelCurveBase     = 100.0
	levelCurveExponent = 1.5

	// MaxLevel caps the curve so XPForLevel never overflows
	MaxLevel = 10000
)

// XPForLevel returns the total XP needed to reach level
func XPForLevel(level int) int64 {
	if level <= 0 {
		return 0
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return int64(levelCurveBase * math.Pow(float64(level), levelCurveExponent))
}

// LevelFromXP returns the greatest level L with XPForLevel(L) <= xp
func LevelFromXP(xp int64) int {
	if xp <= 0 {
		return 0
	}
	level := int(math.Pow(float64(xp)/levelCurveBase, 1/levelCurveExponent))
	if level > MaxLevel {
		level = MaxLevel
	}
	// the float estimate may be off by one in either direction
	for level > 0 && XPForLevel(level) > xp {
		level--
	}
	for level < MaxLevel && XPForLevel(level+1) <= xp {
		level++
	}
	return level
}

// LevelProgress describes how far a member is through their current level
type LevelProgress struct {
	Level int `json:"level"`

	// XP earned since reaching Level
	Into int64 `json:"into"`

	// XP between Level and Level+1
	Needed int64 `json:"needed"`

	// Into/Needed, in [0, 1]
	Fraction float64 `json:"fraction"`
}

func Progress(xp int64) LevelProgress {
	if xp < 0 {
		xp = 0
	}
	level := LevelFromXP(xp)
	floor := XPForLevel(level)
	next := XPForLevel(level + 1)
	p := LevelProgress{
		Level:  level,
		Into:   xp - floor,
		Needed: next - floor,
	}
	if p.Needed > 0 {
		p.Fraction = math.Min(1, math.Max(0, float64(p.Into)/float64(p.Needed)))
	} else {
		p.Fraction = 1
	}
	return p
}
