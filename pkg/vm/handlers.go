package vm

import (
	"fmt"
	"strconv"

	"github.com/uc-lang/ucir/pkg/ir"
)

// dispatchKey selects a handler: the decoded operation tag plus whether the
// opcode carried shape modifiers. Families unified by type share one
// handler; the type tag travels in the Decoded value.
type dispatchKey struct {
	op     ir.Op
	shaped bool
}

type handlerFunc func(e *Engine, inst ir.Instruction, d ir.Decoded) error

var handlers = map[dispatchKey]handlerFunc{
	{ir.OpAlloc, false}:   runAlloc,
	{ir.OpAlloc, true}:    runAllocShaped,
	{ir.OpLiteral, false}: runLiteral,
	{ir.OpLoad, false}:    runLoad,
	{ir.OpLoad, true}:     runLoadShaped,
	{ir.OpStore, false}:   runStore,
	{ir.OpStore, true}:    runStoreShaped,
	{ir.OpElem, false}:    runElem,
	{ir.OpGet, false}:     runGetScalar,
	{ir.OpGet, true}:      runGetRef,
	{ir.OpCall, false}:    runCall,
	{ir.OpParam, false}:   runParam,
	{ir.OpDefine, false}:  runDefine,
	{ir.OpReturn, false}:  runReturn,
	{ir.OpJump, false}:    runJump,
	{ir.OpCbranch, false}: runCbranch,
	{ir.OpPrint, false}:   runPrint,
	{ir.OpRead, false}:    runRead,
	{ir.OpRead, true}:     runReadRef,
	{ir.OpAdd, false}:     runArith,
	{ir.OpSub, false}:     runArith,
	{ir.OpMul, false}:     runArith,
	{ir.OpDiv, false}:     runDiv,
	{ir.OpMod, false}:     runMod,
	{ir.OpLt, false}:      runCompare,
	{ir.OpLe, false}:      runCompare,
	{ir.OpGt, false}:      runCompare,
	{ir.OpGe, false}:      runCompare,
	{ir.OpEq, false}:      runCompare,
	{ir.OpNe, false}:      runCompare,
	{ir.OpAnd, false}:     runLogical,
	{ir.OpOr, false}:      runLogical,
	{ir.OpNot, false}:     runNot,
	{ir.OpSitofp, false}:  runSitofp,
	{ir.OpFptosi, false}:  runFptosi,
}

//
// Allocation and literals
//

func runAlloc(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	name := inst.Name(0)
	if err := e.allocReg(name); err != nil {
		return err
	}
	return e.storeValue(name, zeroOf(d.Type))
}

func zeroOf(typeTag string) ir.Value {
	switch typeTag {
	case "float":
		return 0.0
	case "char":
		return ""
	default:
		return 0
	}
}

func runAllocShaped(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	name := inst.Name(0)
	dim := d.Shape.Elems
	base := e.offset
	e.vars[name] = base
	if err := e.reserve(dim); err != nil {
		return err
	}
	for i := 0; i < dim; i++ {
		e.memory[base+i] = 0
	}
	return nil
}

func runLiteral(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	value := inst.Args[0]
	target := inst.Name(1)
	if err := e.allocReg(target); err != nil {
		return err
	}
	if d.Type == "char" {
		if s, ok := value.(string); ok {
			value = trimQuotes(s)
		}
	}
	return e.storeValue(target, value)
}

func trimQuotes(s string) string {
	for len(s) > 0 && s[0] == '\'' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == '\'' {
		s = s[:len(s)-1]
	}
	return s
}

//
// Loads and stores
//

func runLoad(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	src, dst := inst.Name(0), inst.Name(1)
	if err := e.allocReg(dst); err != nil {
		return err
	}
	v, err := e.getValue(src)
	if err != nil {
		return err
	}
	return e.storeValue(dst, v)
}

func runLoadShaped(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	src, dst := inst.Name(0), inst.Name(1)
	switch {
	case d.Shape.Ptr == 0:
		return e.loadMultiple(d.Shape.Elems, src, dst)
	case d.Shape.Elems == 1 && d.Shape.Ptr == 1:
		if err := e.allocReg(dst); err != nil {
			return err
		}
		cell, err := e.getValue(src)
		if err != nil {
			return err
		}
		addr, err := toInt(cell)
		if err != nil {
			return fmt.Errorf("%s does not hold an address: %v", src, err)
		}
		v, err := e.readCell(addr)
		if err != nil {
			return err
		}
		return e.storeValue(dst, v)
	}
	// dims combined with indirection depth >= 2 is never produced; leave
	// it without effect rather than invent semantics.
	return nil
}

func runStore(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	src, dst := inst.Name(0), inst.Name(1)
	v, err := e.getValue(src)
	if err != nil {
		return err
	}
	return e.storeValue(dst, v)
}

func runStoreShaped(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	src, dst := inst.Name(0), inst.Name(1)
	switch {
	case d.Shape.Ptr == 0:
		return e.storeMultiple(d.Shape.Elems, dst, src)
	case d.Shape.Elems == 1 && d.Shape.Ptr == 1:
		v, err := e.getValue(src)
		if err != nil {
			return err
		}
		return e.storeDeref(dst, v)
	}
	return nil
}

//
// Address arithmetic
//

func runElem(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	base, index, target := inst.Name(0), inst.Name(1), inst.Name(2)
	if err := e.allocReg(target); err != nil {
		return err
	}
	addr, err := e.getAddress(base)
	if err != nil {
		return err
	}
	idxVal, err := e.getValue(index)
	if err != nil {
		return err
	}
	idx, err := toInt(idxVal)
	if err != nil {
		return fmt.Errorf("%s is not an index: %v", index, err)
	}
	return e.storeValue(target, addr+idx)
}

// runGetScalar handles get without indirection. The producer never emits
// it; it exists so the dispatch table is total over the opcode grammar.
func runGetScalar(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	return nil
}

func runGetRef(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	src, target := inst.Name(0), inst.Name(1)
	if err := e.allocReg(target); err != nil {
		return err
	}
	addr, err := e.getAddress(src)
	if err != nil {
		return err
	}
	return e.storeValue(target, addr)
}

//
// Control flow
//

func runJump(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	target, ok := e.vars[labelKey(inst.Name(0))]
	if !ok {
		return fmt.Errorf("undefined label %s", inst.Name(0))
	}
	e.pc = target
	return nil
}

func runCbranch(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	cond, err := e.localValue(inst.Name(0))
	if err != nil {
		return err
	}
	ref := inst.Name(2)
	if truthy(cond) {
		ref = inst.Name(1)
	}
	target, ok := e.vars[labelKey(ref)]
	if !ok {
		return fmt.Errorf("undefined label %s", ref)
	}
	e.pc = target
	return nil
}

//
// Calls and returns
//

func runParam(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	addr, err := e.localAddr(inst.Name(0))
	if err != nil {
		return err
	}
	e.params = append(e.params, addr)
	return nil
}

func runCall(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	source, target := inst.Name(0), inst.Name(1)
	if err := e.allocReg(target); err != nil {
		return err
	}
	e.registers = append(e.registers, target)
	e.returns = append(e.returns, e.pc)
	entry, err := e.getValue(source)
	if err != nil {
		return err
	}
	pc, err := toInt(entry)
	if err != nil {
		return fmt.Errorf("%s does not hold an entry point: %v", source, err)
	}
	e.pc = pc
	e.stats.FunctionsCalled++
	if depth := len(e.returns); depth > e.stats.MaxCallDepth {
		e.stats.MaxCallDepth = depth
	}
	return nil
}

func runDefine(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	if inst.Name(0) == "@main" {
		if err := e.allocReg("%0"); err != nil {
			return err
		}
		e.allocLabels()
		return nil
	}

	// Push the activation: caller locals and high-water offset. The return
	// register and return PC were already pushed by the call.
	e.stack = append(e.stack, e.vars)
	e.sp = append(e.sp, e.offset)
	e.vars = make(map[string]int)

	if d.Type == "void" {
		if err := e.allocReg("%0"); err != nil {
			return err
		}
	}

	if len(e.params) > len(inst.Params) {
		return fmt.Errorf("%s: %d parameters passed, %d declared",
			inst.Name(0), len(e.params), len(inst.Params))
	}
	for i, addr := range e.params {
		v, err := e.readCell(addr)
		if err != nil {
			return err
		}
		e.vars[inst.Params[i].Name] = e.offset
		if err := e.writeCell(e.offset, v); err != nil {
			return err
		}
		if err := e.reserve(1); err != nil {
			return err
		}
	}
	e.params = e.params[:0]
	e.allocLabels()
	return nil
}

func runReturn(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	var value ir.Value
	if d.Type != "void" {
		addr, err := e.localAddr(inst.Name(0))
		if err != nil {
			return err
		}
		if value, err = e.readCell(addr); err != nil {
			return err
		}
	}

	if len(e.returns) == 0 {
		// Return from @main: the program is done.
		e.halted = true
		e.exit = exitCode(value)
		return nil
	}

	e.vars = e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	reg := e.registers[len(e.registers)-1]
	e.registers = e.registers[:len(e.registers)-1]
	if err := e.storeValue(reg, value); err != nil {
		return err
	}
	e.offset = e.sp[len(e.sp)-1]
	e.sp = e.sp[:len(e.sp)-1]
	e.pc = e.returns[len(e.returns)-1]
	e.returns = e.returns[:len(e.returns)-1]
	return nil
}

func exitCode(v ir.Value) int {
	n, err := toInt(v)
	if err != nil {
		return 0
	}
	return n
}

//
// I/O
//

func runPrint(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	if d.Type == "void" {
		fmt.Fprintln(e.config.Stdout)
		return nil
	}
	v, err := e.getValue(inst.Name(0))
	if err != nil {
		return err
	}
	fmt.Fprint(e.config.Stdout, ir.FormatValue(v))
	return nil
}

func runRead(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	v, err := e.readToken(d.Type)
	if err != nil {
		return err
	}
	return e.storeValue(inst.Name(0), v)
}

func runReadRef(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	v, err := e.readToken(d.Type)
	if err != nil {
		return err
	}
	return e.storeDeref(inst.Name(0), v)
}

// readToken pops the next input token and parses it per the type tag. A
// malformed token is diagnosed and stored through unparsed.
func (e *Engine) readToken(typeTag string) (ir.Value, error) {
	tok, err := e.nextToken()
	if err != nil {
		return nil, err
	}
	switch typeTag {
	case "int":
		if n, err := strconv.Atoi(tok); err == nil {
			return n, nil
		}
	case "float":
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			return f, nil
		}
	default: // char: the raw token
		return tok, nil
	}
	fmt.Fprintln(e.config.Stdout, "Illegal input value.")
	return tok, nil
}

//
// Binary, relational and cast operations
//

func runArith(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	l, r, target, err := e.binaryOperands(inst)
	if err != nil {
		return err
	}
	if d.Type == "float" {
		lf, rf, err := floatPair(l, r)
		if err != nil {
			return err
		}
		var res float64
		switch d.Op {
		case ir.OpAdd:
			res = lf + rf
		case ir.OpSub:
			res = lf - rf
		case ir.OpMul:
			res = lf * rf
		}
		return e.storeValue(target, res)
	}
	li, ri, err := intPair(l, r)
	if err != nil {
		return err
	}
	var res int
	switch d.Op {
	case ir.OpAdd:
		res = li + ri
	case ir.OpSub:
		res = li - ri
	case ir.OpMul:
		res = li * ri
	}
	return e.storeValue(target, res)
}

func runDiv(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	l, r, target, err := e.binaryOperands(inst)
	if err != nil {
		return err
	}
	if d.Type == "float" {
		lf, rf, err := floatPair(l, r)
		if err != nil {
			return err
		}
		if rf == 0 {
			return fmt.Errorf("division by zero")
		}
		return e.storeValue(target, lf/rf)
	}
	li, ri, err := intPair(l, r)
	if err != nil {
		return err
	}
	if ri == 0 {
		return fmt.Errorf("division by zero")
	}
	return e.storeValue(target, floorDiv(li, ri))
}

func runMod(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	l, r, target, err := e.binaryOperands(inst)
	if err != nil {
		return err
	}
	li, ri, err := intPair(l, r)
	if err != nil {
		return err
	}
	if ri == 0 {
		return fmt.Errorf("division by zero")
	}
	return e.storeValue(target, floorMod(li, ri))
}

// floorDiv rounds toward negative infinity, pairing with floorMod so that
// floorDiv(a,b)*b + floorMod(a,b) == a.
func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	m := a % b
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

func runCompare(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	l, r, target, err := e.binaryOperands(inst)
	if err != nil {
		return err
	}
	var res bool
	switch d.Op {
	case ir.OpEq, ir.OpNe:
		eq, err := equalValues(l, r)
		if err != nil {
			return err
		}
		res = eq == (d.Op == ir.OpEq)
	default:
		cmp, err := compareValues(l, r)
		if err != nil {
			return err
		}
		switch d.Op {
		case ir.OpLt:
			res = cmp < 0
		case ir.OpLe:
			res = cmp <= 0
		case ir.OpGt:
			res = cmp > 0
		case ir.OpGe:
			res = cmp >= 0
		}
	}
	return e.storeValue(target, res)
}

func runLogical(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	l, r, target, err := e.binaryOperands(inst)
	if err != nil {
		return err
	}
	var res bool
	if d.Op == ir.OpAnd {
		res = truthy(l) && truthy(r)
	} else {
		res = truthy(l) || truthy(r)
	}
	return e.storeValue(target, res)
}

func runNot(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	source, target := inst.Name(0), inst.Name(1)
	if err := e.allocReg(target); err != nil {
		return err
	}
	v, err := e.getValue(source)
	if err != nil {
		return err
	}
	return e.storeValue(target, !truthy(v))
}

func runSitofp(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	source, target := inst.Name(0), inst.Name(1)
	if err := e.allocReg(target); err != nil {
		return err
	}
	v, err := e.getValue(source)
	if err != nil {
		return err
	}
	f, err := toFloat(v)
	if err != nil {
		return err
	}
	return e.storeValue(target, f)
}

func runFptosi(e *Engine, inst ir.Instruction, d ir.Decoded) error {
	source, target := inst.Name(0), inst.Name(1)
	if err := e.allocReg(target); err != nil {
		return err
	}
	v, err := e.getValue(source)
	if err != nil {
		return err
	}
	n, err := toInt(v)
	if err != nil {
		return err
	}
	return e.storeValue(target, n)
}

//
// Operand access and coercions
//

// localAddr resolves a register name in the current activation only.
// Binary operands, params and return values live in locals by construction.
func (e *Engine) localAddr(name string) (int, error) {
	if addr, ok := e.vars[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("undefined name %s", name)
}

func (e *Engine) localValue(name string) (ir.Value, error) {
	addr, err := e.localAddr(name)
	if err != nil {
		return nil, err
	}
	return e.readCell(addr)
}

// binaryOperands allocates the target register and reads both operand
// cells for a three-address instruction.
func (e *Engine) binaryOperands(inst ir.Instruction) (l, r ir.Value, target string, err error) {
	target = inst.Name(2)
	if err = e.allocReg(target); err != nil {
		return
	}
	if l, err = e.localValue(inst.Name(0)); err != nil {
		return
	}
	r, err = e.localValue(inst.Name(1))
	return
}

func toInt(v ir.Value) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case float64:
		return int(x), nil // truncate toward zero
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("not an integer value: %v", v)
	}
}

func toFloat(v ir.Value) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case float64:
		return x, nil
	default:
		return 0, fmt.Errorf("not a numeric value: %v", v)
	}
}

func intPair(l, r ir.Value) (int, int, error) {
	li, err := toInt(l)
	if err != nil {
		return 0, 0, err
	}
	ri, err := toInt(r)
	if err != nil {
		return 0, 0, err
	}
	return li, ri, nil
}

func floatPair(l, r ir.Value) (float64, float64, error) {
	lf, err := toFloat(l)
	if err != nil {
		return 0, 0, err
	}
	rf, err := toFloat(r)
	if err != nil {
		return 0, 0, err
	}
	return lf, rf, nil
}

// compareValues orders two cells: characters lexicographically, numbers
// numerically.
func compareValues(l, r ir.Value) (int, error) {
	if ls, ok := l.(string); ok {
		rs, ok := r.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare %v with %v", l, r)
		}
		switch {
		case ls < rs:
			return -1, nil
		case ls > rs:
			return 1, nil
		}
		return 0, nil
	}
	lf, rf, err := floatPair(l, r)
	if err != nil {
		return 0, err
	}
	switch {
	case lf < rf:
		return -1, nil
	case lf > rf:
		return 1, nil
	}
	return 0, nil
}

func equalValues(l, r ir.Value) (bool, error) {
	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		return ok && lv == rv, nil
	case bool:
		rv, ok := r.(bool)
		if ok {
			return lv == rv, nil
		}
		return truthy(l) == truthy(r), nil
	case nil:
		return r == nil, nil
	}
	lf, rf, err := floatPair(l, r)
	if err != nil {
		return false, err
	}
	return lf == rf, nil
}

// truthy follows the cell kinds: empty cells and zero values are false.
func truthy(v ir.Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []ir.Value:
		return len(x) > 0
	default:
		return true
	}
}
