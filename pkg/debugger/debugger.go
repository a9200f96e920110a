// Package debugger implements idb, the interactive single-step debugger
// for the uCIR engine. It plugs into the engine's Stepper hook: before each
// instruction fetch it shows a window around the program counter and reads
// commands until one resumes execution.
package debugger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/uc-lang/ucir/pkg/ir"
	"github.com/uc-lang/ucir/pkg/vm"
)

// Config holds debugger configuration.
type Config struct {
	Input  io.Reader
	Output io.Writer
}

// IDB is the interactive debugger front end.
type IDB struct {
	input  *bufio.Scanner
	output io.Writer

	styled       bool
	currentStyle lipgloss.Style
	promptStyle  lipgloss.Style

	helpShown bool
}

// New creates a debugger reading commands from Input and writing to Output
// (the process's standard streams by default). Styling is enabled only when
// the output is a terminal.
func New(config *Config) *IDB {
	if config == nil {
		config = &Config{}
	}
	if config.Input == nil {
		config.Input = os.Stdin
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}

	d := &IDB{
		input:        bufio.NewScanner(config.Input),
		output:       config.Output,
		currentStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		promptStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
	if f, ok := config.Output.(*os.File); ok {
		d.styled = term.IsTerminal(int(f.Fd()))
	}
	return d
}

// Step implements vm.Stepper: show the execution window, then read commands
// until one of them resumes the engine. The return value is the engine's
// next breakpoint (vm.StepNext, vm.QuitSentinel, or a go target).
func (d *IDB) Step(e *vm.Engine) int {
	if !d.helpShown {
		fmt.Fprintln(d.output, "Interpreter running in debug mode:")
		d.printHelp()
		d.helpShown = true
	}
	d.view(e, e.PC())
	return d.parseInput(e)
}

// view prints a five-instruction window centered on pos, marking the
// current instruction.
func (d *IDB) view(e *vm.Engine, pos int) {
	code := e.Code()
	init := pos - 2
	if init < 1 {
		init = 1
	}
	end := pos + 3
	if end >= e.LastPC() {
		end = e.LastPC()
	}
	for i := init; i < end; i++ {
		mark := ":    "
		if i == pos {
			mark = ": >> "
		}
		line := strconv.Itoa(i) + mark + ir.Format(code[i])
		if i == pos && d.styled {
			line = d.currentStyle.Render(line)
		}
		fmt.Fprintln(d.output, line)
	}
	fmt.Fprintln(d.output)
}

// parseInput reads commands until one resumes execution.
func (d *IDB) parseInput(e *vm.Engine) int {
	for {
		prompt := "idb> "
		if d.styled {
			prompt = d.promptStyle.Render(prompt)
		}
		fmt.Fprint(d.output, prompt)
		if !d.input.Scan() {
			// End of the command stream aborts the program.
			return vm.QuitSentinel
		}
		cmd := strings.Fields(d.input.Text())
		if len(cmd) == 0 {
			continue
		}
		switch cmd[0] {
		case "s", "step":
			return vm.StepNext
		case "g", "go":
			if len(cmd) < 2 {
				fmt.Fprintln(d.output, "go: missing program counter")
				continue
			}
			pc, err := strconv.Atoi(cmd[1])
			if err != nil {
				fmt.Fprintf(d.output, "go: bad program counter %q\n", cmd[1])
				continue
			}
			return pc
		case "e", "ex":
			d.examine(e, cmd[1:])
		case "l", "list":
			d.list(e, cmd[1:])
		case "v", "view":
			d.view(e, e.PC())
		case "r", "run":
			e.SetDebug(false)
			return vm.StepNext
		case "q", "quit":
			return vm.QuitSentinel
		case "h", "help":
			d.printHelp()
		default:
			fmt.Fprintln(d.output, cmd[0]+" : unrecognized command")
		}
	}
}

// examine prints the cell value for each named register or global.
func (d *IDB) examine(e *vm.Engine, names []string) {
	for _, name := range names {
		if !strings.HasPrefix(name, "%") && !strings.HasPrefix(name, "@") {
			fmt.Fprintln(d.output, name+": unrecognized var or temp")
			continue
		}
		v, err := e.Peek(name)
		if err != nil {
			fmt.Fprintln(d.output, name+": unrecognized var or temp")
			continue
		}
		fmt.Fprintln(d.output, name+" : "+ir.FormatValue(v))
	}
}

// list prints the instructions in the given range, or the whole program.
func (d *IDB) list(e *vm.Engine, args []string) {
	start, end := 1, e.LastPC()
	if len(args) == 2 {
		s, err1 := strconv.Atoi(args[0])
		t, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			fmt.Fprintln(d.output, "list: bad range")
			return
		}
		start, end = s, t
	}
	if start < 0 {
		start = 0
	}
	if end > e.LastPC() {
		end = e.LastPC()
	}
	code := e.Code()
	for i := start; i < end; i++ {
		fmt.Fprintln(d.output, strconv.Itoa(i)+":    "+ir.Format(code[i]))
	}
}

func (d *IDB) printHelp() {
	fmt.Fprintln(d.output, `  s, step: run in step mode;
  g, go <pc>: goto the program counter;
  l, list {<start> <end>}? : list the ir code;
  e, ex {<vars>}+ : examine the variables;
  v, view: show the current line of execution;
  r, run: run the program until the end;
  q, quit: quit (abort) the program;
  h, help: print this text.`)
}
