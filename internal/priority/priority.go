// Package priority defines the urgency levels shared by the queue, the
// scheduler and the compression strategy selector.
package priority

import (
	"fmt"
	"strings"
)

type Level int

const (
	Low Level = iota
	Normal
	High
	Critical
)

// Count is the number of defined levels.
const Count = 4

var names = [Count]string{"low", "normal", "high", "critical"}

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return names[l]
}

func (l Level) Valid() bool {
	return l >= Low && l <= Critical
}

// Parse accepts a level name; the empty string means Normal.
func Parse(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Normal, nil
	}
	for i, n := range names {
		if n == s {
			return Level(i), nil
		}
	}
	return Normal, fmt.Errorf("unknown priority %q", s)
}

// Levels returns every level, highest first.
func Levels() []Level {
	return []Level{Critical, High, Normal, Low}
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
