// Package vm implements the uCIR execution engine: a cell-addressed memory,
// the two-pass loader that places globals and function entry points, and the
// dispatch loop that interprets instructions starting at @main.
package vm

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/uc-lang/ucir/pkg/ir"
)

// DefaultMemorySize is the number of cells allocated when the config does
// not say otherwise.
const DefaultMemorySize = 10000

// Stepper is the debugger hook. When the engine runs in debug mode it hands
// control to the stepper before each instruction fetch. The return value is
// the next breakpoint: StepNext to prompt again at the next instruction,
// QuitSentinel to terminate the program, or a PC at which to prompt next.
type Stepper interface {
	Step(e *Engine) int
}

const (
	// StepNext tells the engine to hand control back before the next fetch.
	StepNext = -1
	// QuitSentinel is the breakpoint value that aborts the program.
	QuitSentinel = 0
)

// Config holds engine configuration. Zero values select the defaults:
// 10000 memory cells, unlimited steps, and the process's standard streams.
type Config struct {
	MemorySize int
	MaxSteps   int
	Debug      bool
	Stdin      io.Reader
	Stdout     io.Writer
	Errout     io.Writer
	Stepper    Stepper
}

// Statistics tracks execution counters.
type Statistics struct {
	InstructionsExecuted int
	FunctionsCalled      int
	MaxCallDepth         int
}

// Engine interprets a loaded uCIR program. An Engine owns all of its state
// (memory, symbol tables, call stacks, input buffer); do not share one
// across goroutines or run two programs through the same instance.
type Engine struct {
	config Config
	stats  Statistics

	// Memory and symbol tables
	memory  []ir.Value
	globals map[string]int // @name -> cell offset, stable after Load
	vars    map[string]int // %name -> cell offset or label PC, per activation
	offset  int            // high-water mark: first free cell

	// Activation frames, spread across four sibling stacks pushed and
	// popped in lock-step.
	stack     []map[string]int // saved locals tables
	sp        []int            // saved high-water offsets
	registers []string         // caller target registers
	returns   []int            // return PCs

	params []int // pending parameter addresses for the next call

	code   ir.Program
	pc     int
	start  int // entry PC of @main
	lastpc int // one past the last instruction

	stdin     *bufio.Scanner
	inputline []string // pending whitespace-split input tokens

	debug  bool
	halted bool
	exit   int
}

// New creates an engine with the given configuration.
func New(config Config) *Engine {
	if config.MemorySize <= 0 {
		config.MemorySize = DefaultMemorySize
	}
	if config.Stdin == nil {
		config.Stdin = os.Stdin
	}
	if config.Stdout == nil {
		config.Stdout = os.Stdout
	}
	if config.Errout == nil {
		config.Errout = os.Stderr
	}
	return &Engine{
		config:  config,
		memory:  make([]ir.Value, config.MemorySize),
		globals: make(map[string]int),
		vars:    make(map[string]int),
		stdin:   bufio.NewScanner(config.Stdin),
		debug:   config.Debug,
	}
}

// Load performs the first pass over the program: globals are placed at the
// low end of memory, each define gets one cell holding its entry PC, and
// @main's PC is recorded as the start of execution.
func (e *Engine) Load(prog ir.Program) error {
	e.code = prog
	for pc, inst := range prog {
		if len(inst.Args) == 0 && len(inst.Params) == 0 {
			continue
		}
		d := ir.Decode(inst.Opcode)
		switch d.Op {
		case ir.OpGlobal:
			name := inst.Name(0)
			if name == "" {
				return fmt.Errorf("pc %d: global without a name", pc)
			}
			e.globals[name] = e.offset
			size := 1
			if d.Shaped {
				size = d.Shape.Elems
			}
			if len(inst.Args) > 1 {
				// A scalar global keeps its whole initializer in one cell;
				// character sequences stay intact there so print_string and
				// blit can spread them later. Shaped globals spread now.
				var err error
				if d.Shaped {
					err = e.copyData(e.offset, size, inst.Args[1])
				} else {
					err = e.writeCell(e.offset, inst.Args[1])
				}
				if err != nil {
					return fmt.Errorf("pc %d: %v", pc, err)
				}
			}
			if err := e.reserve(size); err != nil {
				return fmt.Errorf("pc %d: %v", pc, err)
			}
		case ir.OpDefine:
			name := inst.Name(0)
			if name == "" {
				return fmt.Errorf("pc %d: define without a name", pc)
			}
			e.globals[name] = e.offset
			if err := e.writeCell(e.offset, pc); err != nil {
				return fmt.Errorf("pc %d: %v", pc, err)
			}
			if err := e.reserve(1); err != nil {
				return fmt.Errorf("pc %d: %v", pc, err)
			}
			if name == "@main" {
				e.start = pc
			}
		}
	}
	e.lastpc = len(prog)
	return nil
}

// Run interprets the loaded program from @main and returns the program's
// exit status: the value returned from @main, or 0 for a void return or a
// debugger quit. Engine faults (bad memory access, undefined names,
// unexpected end of input) come back as errors.
func (e *Engine) Run() (int, error) {
	e.pc = e.start
	breakpoint := StepNext
	for {
		if e.config.MaxSteps > 0 && e.stats.InstructionsExecuted >= e.config.MaxSteps {
			return 1, fmt.Errorf("execution limit exceeded (%d instructions)", e.config.MaxSteps)
		}
		if e.config.Stepper != nil {
			if breakpoint != StepNext {
				if breakpoint == QuitSentinel {
					return 0, nil
				}
				if e.pc == breakpoint {
					breakpoint = e.config.Stepper.Step(e)
				}
			} else if e.debug {
				breakpoint = e.config.Stepper.Step(e)
			}
			if breakpoint == QuitSentinel {
				return 0, nil
			}
		}
		if e.pc < 0 || e.pc >= len(e.code) {
			return 0, nil
		}
		inst := e.code[e.pc]
		e.pc++
		if inst.IsLabel() {
			continue
		}
		d := ir.Decode(inst.Opcode)
		h, ok := handlers[dispatchKey{d.Op, d.Shaped}]
		if !ok {
			fmt.Fprintf(e.config.Errout, "Warning: no handler for %s\n", inst.Opcode)
			continue
		}
		e.stats.InstructionsExecuted++
		if err := h(e, inst, d); err != nil {
			return 1, fmt.Errorf("runtime error at pc %d (%s): %v", e.pc-1, inst.Opcode, err)
		}
		if e.halted {
			return e.exit, nil
		}
	}
}

// Statistics returns execution counters for the run so far.
func (e *Engine) Statistics() Statistics {
	return e.stats
}

// Code returns the loaded program. The debugger uses it for list and view.
func (e *Engine) Code() ir.Program { return e.code }

// PC returns the current program counter.
func (e *Engine) PC() int { return e.pc }

// LastPC returns one past the last instruction, for range clamping.
func (e *Engine) LastPC() int { return e.lastpc }

// SetDebug enables or disables the per-instruction debugger prompt. The
// debugger's run command uses it to let the program run to completion.
func (e *Engine) SetDebug(on bool) { e.debug = on }

// Peek returns the cell value for a register or global name. The debugger's
// ex command uses it.
func (e *Engine) Peek(name string) (ir.Value, error) {
	addr, err := e.getAddress(name)
	if err != nil {
		return nil, err
	}
	return e.readCell(addr)
}
