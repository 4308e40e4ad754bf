// Package procmaps reads the process memory-mapping table and locates the
// address range of a loaded module.
package procmaps

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrBadLine is returned for a maps line that does not follow the
// "start-end perms offset dev inode [path]" layout.
var ErrBadLine = errors.New("bad maps line")

type (
	// Mapping is one line of the maps table.
	Mapping struct {
		Start  uintptr
		End    uintptr
		Perms  string
		Offset uint64
		Dev    string
		Inode  uint64
		Path   string
	}

	// Range is the mapped extent of a module. Base is the start of the first
	// matching mapping and Size the sum of the lengths of all of them.
	Range struct {
		Base uintptr
		Size uintptr
		// Path of the first matching mapping.
		Path string
	}
)

// Len returns the mapping length in bytes.
func (m Mapping) Len() uintptr {
	return m.End - m.Start
}

// Found reports whether the range describes a mapped module.
func (r Range) Found() bool {
	return r.Base != 0 && r.Size != 0
}

// ParseLine parses a single maps line.
func ParseLine(line string) (Mapping, error) {
	var m Mapping

	fields := strings.Fields(line)
	if len(fields) < 5 {
		return m, errors.Wrapf(ErrBadLine, "%q", line)
	}

	bounds := strings.SplitN(fields[0], "-", 2)
	if len(bounds) != 2 {
		return m, errors.Wrapf(ErrBadLine, "address range %q", fields[0])
	}
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return m, errors.Wrapf(ErrBadLine, "start %q", bounds[0])
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil || end < start {
		return m, errors.Wrapf(ErrBadLine, "end %q", bounds[1])
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return m, errors.Wrapf(ErrBadLine, "offset %q", fields[2])
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return m, errors.Wrapf(ErrBadLine, "inode %q", fields[4])
	}

	m.Start = uintptr(start)
	m.End = uintptr(end)
	m.Perms = fields[1]
	m.Offset = offset
	m.Dev = fields[3]
	m.Inode = inode
	if len(fields) > 5 {
		// paths may contain spaces
		m.Path = strings.Join(fields[5:], " ")
	}
	return m, nil
}

// Parse reads a whole maps table. Malformed lines are skipped; only read
// errors are returned.
func Parse(r io.Reader) ([]Mapping, error) {
	var maps []Mapping

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m, err := ParseLine(line)
		if err != nil {
			continue
		}
		maps = append(maps, m)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read maps")
	}
	return maps, nil
}

// Select returns the range covered by every mapping whose path contains
// name. Mappings are taken in table order, so Base is the first match.
func Select(maps []Mapping, name string) Range {
	var (
		r     Range
		found bool
	)
	if name == "" {
		return r
	}
	for _, m := range maps {
		if m.Path == "" || !strings.Contains(m.Path, name) {
			continue
		}
		if !found {
			r.Base = m.Start
			r.Path = m.Path
			found = true
		}
		r.Size += m.Len()
	}
	return r
}
