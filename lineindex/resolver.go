// Package lineindex implements the line index (C4): it turns a sampled
// instruction pointer into a stable progress-line identity by consulting
// the target binary's debug info, and owns the visit/global-delay counters
// the experiment controller reads and bumps per line.
package lineindex

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Resolver is the "external collaborator" of spec §4.4: something that can
// turn a runtime instruction pointer into a stable source-location name.
// ELFResolver is the production implementation; tests substitute a map.
type Resolver interface {
	Resolve(ip uint64) (name string, ok bool)
}

// ELFResolver resolves addresses against a single ELF binary's DWARF line
// table (falling back to the symbol table for stripped-but-not-fully
// stripped binaries), adapted from the teacher's debug.Symbolizer down to
// what causal line identity needs: a stable name, not full Symbol detail.
type ELFResolver struct {
	mu              sync.RWMutex
	elfFile         *elf.File
	dwarfData       *dwarf.Data
	symtab          []elf.Symbol
	cache           map[uint64]string
	runtimeLoadAddr uint64
	elfBaseAddr     uint64
}

// NewELFResolver opens binaryPath and, if pid > 0, reads /proc/pid/maps to
// compute the runtime-to-file address offset needed for PIE binaries.
func NewELFResolver(binaryPath string, pid int) (*ELFResolver, error) {
	f, err := elf.Open(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("open binary: %w", err)
	}

	var elfBaseAddr uint64
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 {
			elfBaseAddr = prog.Vaddr
			break
		}
	}

	var runtimeLoadAddr uint64
	if pid > 0 {
		if addr, err := runtimeLoadAddress(pid, binaryPath); err == nil {
			runtimeLoadAddr = addr
		}
	}

	r := &ELFResolver{
		elfFile:         f,
		cache:           make(map[uint64]string),
		runtimeLoadAddr: runtimeLoadAddr,
		elfBaseAddr:     elfBaseAddr,
	}

	if dwarfData, err := f.DWARF(); err == nil {
		r.dwarfData = dwarfData
	}
	if symbols, err := f.Symbols(); err == nil {
		r.symtab = symbols
	}
	if r.dwarfData == nil && len(r.symtab) == 0 {
		f.Close()
		return nil, fmt.Errorf("binary has no debug info or symbol table (stripped binary?)")
	}
	return r, nil
}

// Resolve implements Resolver.
func (r *ELFResolver) Resolve(ip uint64) (string, bool) {
	r.mu.RLock()
	if name, ok := r.cache[ip]; ok {
		r.mu.RUnlock()
		return name, true
	}
	r.mu.RUnlock()

	fileOffset := ip
	if r.runtimeLoadAddr > 0 {
		fileOffset = ip - r.runtimeLoadAddr + r.elfBaseAddr
	}

	if r.dwarfData != nil {
		if name, ok := r.resolveDWARF(fileOffset); ok {
			r.store(ip, name)
			return name, true
		}
	}
	if len(r.symtab) > 0 {
		if name, ok := r.resolveSymTab(fileOffset); ok {
			r.store(ip, name)
			return name, true
		}
	}
	return "", false
}

func (r *ELFResolver) store(ip uint64, name string) {
	r.mu.Lock()
	r.cache[ip] = name
	r.mu.Unlock()
}

// resolveDWARF walks subprogram entries for the one whose PC range
// contains addr, returning "function" or "function:line" when the line
// table has an entry for the exact PC.
func (r *ELFResolver) resolveDWARF(addr uint64) (string, bool) {
	reader := r.dwarfData.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		nameAttr, _ := entry.Val(dwarf.AttrName).(string)
		if nameAttr == "" {
			continue
		}
		lowPC, ok := entry.Val(dwarf.AttrLowpc).(uint64)
		if !ok {
			continue
		}
		var highPC uint64
		switch v := entry.Val(dwarf.AttrHighpc).(type) {
		case uint64:
			highPC = v
		case int64:
			highPC = lowPC + uint64(v)
		default:
			continue
		}
		if addr < lowPC || addr >= highPC {
			continue
		}

		name := nameAttr
		if lr, err := r.dwarfData.LineReader(entry); err == nil && lr != nil {
			var line dwarf.LineEntry
			if err := lr.SeekPC(addr, &line); err == nil {
				name = fmt.Sprintf("%s:%d", nameAttr, line.Line)
			}
		}
		return name, true
	}
	return "", false
}

func (r *ELFResolver) resolveSymTab(addr uint64) (string, bool) {
	for _, sym := range r.symtab {
		if addr >= sym.Value && addr < sym.Value+sym.Size {
			return sym.Name, true
		}
	}
	return "", false
}

// Close releases the underlying ELF file.
func (r *ELFResolver) Close() error {
	if r.elfFile != nil {
		return r.elfFile.Close()
	}
	return nil
}

// runtimeLoadAddress reads /proc/pid/maps for the first executable mapping
// of binaryPath, giving the runtime base address of a PIE binary.
func runtimeLoadAddress(pid int, binaryPath string) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, fmt.Errorf("read maps: %w", err)
	}

	actualPath := binaryPath
	if strings.Contains(binaryPath, "/proc/") && strings.HasSuffix(binaryPath, "/exe") {
		if resolved, err := os.Readlink(binaryPath); err == nil {
			actualPath = resolved
		}
	}

	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || !strings.Contains(line, "r-xp") {
			continue
		}
		if !strings.Contains(line, actualPath) && !strings.HasSuffix(line, "/exe") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		parts := strings.SplitN(fields[0], "-", 2)
		if len(parts) != 2 {
			continue
		}
		var addr uint64
		if _, err := fmt.Sscanf(parts[0], "%x", &addr); err != nil {
			continue
		}
		return addr, nil
	}
	return 0, fmt.Errorf("no executable mapping found for %s in /proc/%d/maps", actualPath, pid)
}
