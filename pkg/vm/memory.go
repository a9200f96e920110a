package vm

import (
	"fmt"
	"strings"

	"github.com/uc-lang/ucir/pkg/ir"
)

// readCell reads one memory cell. Out-of-range access is an engine fault.
func (e *Engine) readCell(offset int) (ir.Value, error) {
	if offset < 0 || offset >= len(e.memory) {
		return nil, fmt.Errorf("memory access out of range: %d", offset)
	}
	return e.memory[offset], nil
}

// writeCell writes one memory cell. The dynamic kind of the previous value
// is not checked; the opcode's type tag is authoritative.
func (e *Engine) writeCell(offset int, v ir.Value) error {
	if offset < 0 || offset >= len(e.memory) {
		return fmt.Errorf("memory access out of range: %d", offset)
	}
	e.memory[offset] = v
	return nil
}

// blit copies length contiguous cells from src to dst.
func (e *Engine) blit(dst, src, length int) error {
	if src < 0 || src+length > len(e.memory) {
		return fmt.Errorf("memory access out of range: %d..%d", src, src+length)
	}
	if dst < 0 || dst+length > len(e.memory) {
		return fmt.Errorf("memory access out of range: %d..%d", dst, dst+length)
	}
	copy(e.memory[dst:dst+length], e.memory[src:src+length])
	return nil
}

// copyData writes an initializer into size cells starting at address.
// Character sequences spread one character per cell; nested sequences are
// flattened once.
func (e *Engine) copyData(address, size int, value ir.Value) error {
	if address < 0 || address+size > len(e.memory) {
		return fmt.Errorf("memory access out of range: %d..%d", address, address+size)
	}
	switch v := value.(type) {
	case string:
		for i, c := range []byte(v) {
			if i >= size {
				break
			}
			e.memory[address+i] = string(c)
		}
	case []ir.Value:
		flat := v
		for _, item := range v {
			if _, nested := item.([]ir.Value); nested {
				flat = flatten(v)
				break
			}
		}
		for i, item := range flat {
			if i >= size {
				break
			}
			e.memory[address+i] = item
		}
	default:
		e.memory[address] = value
	}
	return nil
}

func flatten(v []ir.Value) []ir.Value {
	var flat []ir.Value
	for _, item := range v {
		if sub, ok := item.([]ir.Value); ok {
			flat = append(flat, sub...)
		} else {
			flat = append(flat, item)
		}
	}
	return flat
}

// reserve advances the high-water offset by n cells.
func (e *Engine) reserve(n int) error {
	if e.offset+n > len(e.memory) {
		return fmt.Errorf("out of memory: %d cells requested, %d free", n, len(e.memory)-e.offset)
	}
	e.offset += n
	return nil
}

// allocReg allocates one cell for a new register or temporary, unless the
// name is already bound in the current activation.
func (e *Engine) allocReg(name string) error {
	if _, ok := e.vars[name]; ok {
		return nil
	}
	e.vars[name] = e.offset
	return e.reserve(1)
}

// getAddress resolves a name token to its cell offset: globals for @names,
// the current activation for %names.
func (e *Engine) getAddress(name string) (int, error) {
	if strings.HasPrefix(name, "@") {
		if addr, ok := e.globals[name]; ok {
			return addr, nil
		}
		return 0, fmt.Errorf("undefined global %s", name)
	}
	if addr, ok := e.vars[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("undefined name %s", name)
}

// getValue reads the cell a name resolves to.
func (e *Engine) getValue(name string) (ir.Value, error) {
	addr, err := e.getAddress(name)
	if err != nil {
		return nil, err
	}
	return e.readCell(addr)
}

// storeValue writes the cell a name resolves to.
func (e *Engine) storeValue(name string, v ir.Value) error {
	addr, err := e.getAddress(name)
	if err != nil {
		return err
	}
	return e.writeCell(addr, v)
}

// storeDeref writes through a pointer: the named cell holds the target
// offset.
func (e *Engine) storeDeref(name string, v ir.Value) error {
	cell, err := e.getValue(name)
	if err != nil {
		return err
	}
	addr, err := toInt(cell)
	if err != nil {
		return fmt.Errorf("%s does not hold an address: %v", name, err)
	}
	return e.writeCell(addr, v)
}

// storeMultiple copies dim cells from the value name's region to the target
// name's region. A global whose single cell holds a character sequence is
// spread one character per cell instead.
func (e *Engine) storeMultiple(dim int, target, value string) error {
	left, err := e.getAddress(target)
	if err != nil {
		return err
	}
	right, err := e.getAddress(value)
	if err != nil {
		return err
	}
	if strings.HasPrefix(value, "@") {
		if s, ok := e.memory[right].(string); ok {
			return e.copyData(left, dim, s)
		}
	}
	return e.blit(left, right, dim)
}

// loadMultiple allocates dim cells for target and copies the value's region
// into them.
func (e *Engine) loadMultiple(dim int, value, target string) error {
	e.vars[target] = e.offset
	if err := e.reserve(dim); err != nil {
		return err
	}
	return e.storeMultiple(dim, target, value)
}

// labelKey normalizes a label reference to its locals-table key. Labels
// share the locals namespace with registers under a '%' prefix; references
// may be written bare, with a trailing colon, or already prefixed.
func labelKey(ref string) string {
	if strings.HasPrefix(ref, "%") {
		return ref
	}
	return "%" + strings.TrimSuffix(ref, ":")
}

// allocLabels scans forward from the current PC, mapping every label up to
// the next define to the PC of the instruction that follows it. Label
// references occur only inside the same function, so this runs on every
// function entry.
func (e *Engine) allocLabels() {
	for lpc := e.pc; lpc < len(e.code); {
		inst := e.code[lpc]
		lpc++
		if strings.HasPrefix(inst.Opcode, "define") {
			break
		}
		if inst.IsLabel() {
			e.vars["%"+inst.LabelName()] = lpc
		}
	}
}

// getInput refills the token buffer, one whitespace-split line at a time.
// End of input is fatal: the engine has no way to resume a blocked read.
func (e *Engine) getInput() error {
	for len(e.inputline) == 0 {
		if !e.stdin.Scan() {
			fmt.Fprintln(e.config.Stdout, "Unexpected end of input file.")
			if err := e.stdin.Err(); err != nil {
				return fmt.Errorf("reading input: %v", err)
			}
			return fmt.Errorf("unexpected end of input")
		}
		e.inputline = strings.Fields(e.stdin.Text())
	}
	return nil
}

// nextToken pops the next input token, refilling the buffer if needed.
func (e *Engine) nextToken() (string, error) {
	if err := e.getInput(); err != nil {
		return "", err
	}
	tok := e.inputline[0]
	e.inputline = e.inputline[1:]
	return tok, nil
}
