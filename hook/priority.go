package hook

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Priority orders the detours of one target. Lower values run first, that is
// further from the original function, so a Highest detour sees every call
// before the others and may short-circuit it.
type Priority int

const (
	Highest Priority = 0
	High    Priority = 100
	Normal  Priority = 200
	Low     Priority = 300
	Lowest  Priority = 400
)

var priorityNames = map[string]Priority{
	"highest": Highest,
	"high":    High,
	"normal":  Normal,
	"low":     Low,
	"lowest":  Lowest,
}

func (p Priority) String() string {
	for name, v := range priorityNames {
		if v == p {
			return name
		}
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts a priority name, case insensitive, or an integer.
func ParsePriority(s string) (Priority, error) {
	if p, ok := priorityNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return p, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Errorf("unknown priority %q", s)
	}
	return Priority(n), nil
}
