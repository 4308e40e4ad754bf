package interpose

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnknownCommand = errors.New("unknown command")

type (
	// Command is one line of the control protocol.
	Command struct {
		Name string
		Args []string
	}

	Parser interface {
		Parse(string) (*Command, error)
	}

	lineparser struct{}
)

var arity = map[string]int{
	"/echo":      -1,
	"/resolve":   -1,
	"/hooks":     0,
	"/unhook":    2,
	"/unhookall": 0,
}

func LineParser() *lineparser {
	return &lineparser{}
}

// Parse splits a command line. /echo and /resolve keep the rest of the line
// as their single argument, since signatures contain blanks.
func (*lineparser) Parse(line string) (*Command, error) {
	line = strings.TrimSpace(line)
	v := strings.SplitN(line, " ", 2)

	n, ok := arity[v[0]]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCommand, "%q", line)
	}

	c := &Command{Name: v[0]}
	var rest string
	if len(v) == 2 {
		rest = strings.TrimSpace(v[1])
	}

	switch {
	case n < 0:
		if rest == "" && c.Name != "/echo" {
			return nil, errors.Errorf("%s: argument expected", c.Name)
		}
		c.Args = []string{rest}
	default:
		c.Args = strings.Fields(rest)
		if len(c.Args) != n {
			return nil, errors.Errorf("%s: %d arguments expected, got %d", c.Name, n, len(c.Args))
		}
	}
	return c, nil
}

// parseAddr accepts 0x-prefixed hex or decimal addresses.
func parseAddr(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad address %q", s)
	}
	return uintptr(v), nil
}
