package module

import (
	"debug/dwarf"
	"debug/elf"
	"sync"

	dwarfreader "github.com/go-delve/delve/pkg/dwarf/reader"
	"github.com/pkg/errors"
)

// ErrNoSymbols means the module file has neither ELF symbols nor DWARF.
var ErrNoSymbols = errors.New("no symbols")

// Symbols maps names to run-time addresses inside one loaded module.
type Symbols struct {
	// bias is added to a link-time address to get the run-time address.
	bias  uintptr
	names map[string]uint64

	dwarf     *dwarf.Data
	dwarfOnce sync.Once
	subprogs  map[string]uint64
}

// OpenSymbols reads the symbol tables of the ELF file at path, loaded at
// base. base is the start of the module's first mapping, which maps file
// offset zero.
func OpenSymbols(path string, base uintptr) (*Symbols, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer ef.Close()

	s := &Symbols{names: make(map[string]uint64)}

	// link-time address of file offset zero
	var linkBase uint64
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD {
			linkBase = p.Vaddr - p.Off
			break
		}
	}
	s.bias = base - uintptr(linkBase)

	for _, read := range []func() ([]elf.Symbol, error){ef.DynamicSymbols, ef.Symbols} {
		syms, err := read()
		if err != nil {
			continue
		}
		for _, sym := range syms {
			if sym.Value == 0 || sym.Section == elf.SHN_UNDEF {
				continue
			}
			if _, ok := s.names[sym.Name]; !ok {
				s.names[sym.Name] = sym.Value
			}
		}
	}

	if dw, err := ef.DWARF(); err == nil {
		s.dwarf = dw
	}

	if len(s.names) == 0 && s.dwarf == nil {
		return nil, errors.Wrapf(ErrNoSymbols, "%s", path)
	}
	return s, nil
}

// Lookup returns the run-time address of name. ELF symbol tables are tried
// first, then DWARF subprogram entries.
func (s *Symbols) Lookup(name string) (uintptr, bool) {
	if v, ok := s.names[name]; ok {
		return s.bias + uintptr(v), true
	}

	s.dwarfOnce.Do(s.loadSubprograms)
	if v, ok := s.subprogs[name]; ok {
		return s.bias + uintptr(v), true
	}
	return 0, false
}

// Len returns the number of ELF symbols with an address.
func (s *Symbols) Len() int {
	return len(s.names)
}

func (s *Symbols) loadSubprograms() {
	s.subprogs = make(map[string]uint64)
	if s.dwarf == nil {
		return
	}

	reader := dwarfreader.New(s.dwarf)
	for entry, err := reader.Next(); entry != nil; entry, err = reader.Next() {
		if err != nil {
			return
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}

		name, ok := entry.Val(dwarf.AttrName).(string)
		if !ok {
			continue
		}
		lowpc, ok := entry.Val(dwarf.AttrLowpc).(uint64)
		if !ok || lowpc == 0 {
			continue
		}
		if _, ok := s.subprogs[name]; !ok {
			s.subprogs[name] = lowpc
		}
	}
}
