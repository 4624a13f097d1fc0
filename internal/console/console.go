// Package console provides the interactive operator console.
package console

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"

	"github.com/arnisz/UniversalPressureController/internal/channel"
	"github.com/arnisz/UniversalPressureController/internal/events"
)

// Controller is the part of the channel controller the console drives.
type Controller interface {
	Connect(ctx context.Context, address string) bool
	Disconnect()
	IsConnected() bool
	Channels() []channel.Snapshot
	Start(ctx context.Context, id int) error
	Stop(ctx context.Context, id int) error
	Vent(ctx context.Context, id int) error
	SetSetpoint(ctx context.Context, id int, value float64) (float64, error)
	Status(ctx context.Context) (string, error)
}

// Options wires the console to the rest of the application.
type Options struct {
	// Address returns the configured bus address used by a bare "connect".
	Address func() string
	// Save persists the configuration including the current setpoints.
	Save func() error
	// Hub, if set, is used for the "log" command.
	Hub *events.Hub
	// Recorder, if set, is switched by the "logging" command.
	Recorder Recorder
}

// Recorder is the event file logger.
type Recorder interface {
	SetEnabled(on bool)
	IsEnabled() bool
	SetCommunication(on bool)
	IsCommunication() bool
}

// Console handles interactive mode.
type Console struct {
	ctrl Controller
	opts Options
	rl   *readline.Instance
	out  io.Writer
}

// New creates a console reading from the terminal.
func New(ctrl Controller, opts Options) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pressure> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	c := newConsole(ctrl, opts, rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(ctrl Controller, opts Options, out io.Writer) *Console {
	if opts.Address == nil {
		opts.Address = func() string { return "" }
	}
	return &Console{ctrl: ctrl, opts: opts, out: out}
}

// Stdout returns a writer that coordinates with the prompt. Use it for log output.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Run starts the command loop. Leaving the console cancels the application.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	if c.opts.Hub != nil {
		go c.printEvents(ctx)
	}
	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if c.Execute(ctx, line) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Execute runs one command line. It reports whether the console should exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "connect":
		c.cmdConnect(ctx, args)
	case "disconnect":
		c.ctrl.Disconnect()
		fmt.Fprintln(c.out, "Disconnected")
	case "list", "ls":
		c.cmdList()
	case "start":
		c.channelCmd(ctx, args, c.ctrl.Start, "started")
	case "stop":
		c.channelCmd(ctx, args, c.ctrl.Stop, "stopped")
	case "vent":
		c.channelCmd(ctx, args, c.ctrl.Vent, "venting")
	case "set", "setpoint":
		c.cmdSet(ctx, args)
	case "status":
		c.cmdStatus(ctx)
	case "log":
		c.cmdLog(args)
	case "logging":
		c.cmdLogging(args)
	case "save":
		c.cmdSave()
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

// printEvents echoes controller and system events above the prompt.
func (c *Console) printEvents(ctx context.Context) {
	ch, cancel := c.opts.Hub.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Source == events.SourceBus && e.Kind != events.KindError {
				continue
			}
			fmt.Fprintln(c.out, e.String())
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Pressure Controller Commands:
  Connection:
    connect [address]  - Open the instrument session (default: configured address)
    disconnect         - Close the instrument session
    status             - Show connection and instrument error status

  Channels:
    list               - Show all channels
    start <id>         - Start control with the current setpoint
    stop <id>          - Stop control
    vent <id>          - Vent the channel
    set <id> <value>   - Change the setpoint

  Other:
    log [n]            - Show the last n events (default 20)
    logging [on|off]   - Show or switch the event log file
    logging comm on|off - Include bus traffic in the event log file
    save               - Save configuration with current setpoints
    help               - Show this help
    quit               - Exit`)
}

func (c *Console) cmdConnect(ctx context.Context, args []string) {
	addr := c.opts.Address()
	if len(args) > 0 {
		addr = args[0]
	}
	if addr == "" {
		fmt.Fprintln(c.out, "Usage: connect <address>")
		return
	}
	if c.ctrl.Connect(ctx, addr) {
		fmt.Fprintf(c.out, "Connected to %s\n", addr)
		return
	}
	fmt.Fprintf(c.out, "Connection to %s failed\n", addr)
}

func (c *Console) cmdList() {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSETPOINT\tACTUAL\tDEVIATION\tRANGE")
	for _, s := range c.ctrl.Channels() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.3f %s\t%.3f %s\t%.3f\t%g..%g\n",
			s.ID, s.Name, s.Status, s.Setpoint, s.Unit, s.Actual, s.Unit, s.Deviation, s.Min, s.Max)
	}
	w.Flush()
}

func parseID(args []string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("missing channel id")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid channel id %q", args[0])
	}
	return id, nil
}

func (c *Console) channelCmd(ctx context.Context, args []string, act func(context.Context, int) error, done string) {
	id, err := parseID(args)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if err := act(ctx, id); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Channel %d %s\n", id, done)
}

func (c *Console) cmdSet(ctx context.Context, args []string) {
	id, err := parseID(args)
	if err != nil || len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: set <id> <value>")
		return
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		fmt.Fprintf(c.out, "Error: invalid value %q\n", args[1])
		return
	}
	sp, err := c.ctrl.SetSetpoint(ctx, id, v)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if sp != v {
		fmt.Fprintf(c.out, "Channel %d setpoint %.3f (clamped from %g)\n", id, sp, v)
		return
	}
	fmt.Fprintf(c.out, "Channel %d setpoint %.3f\n", id, sp)
}

func (c *Console) cmdStatus(ctx context.Context) {
	if !c.ctrl.IsConnected() {
		fmt.Fprintln(c.out, "Not connected")
		return
	}
	st, err := c.ctrl.Status(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Connected, status query failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Connected, instrument status: %s\n", st)
}

func (c *Console) cmdLog(args []string) {
	if c.opts.Hub == nil {
		fmt.Fprintln(c.out, "No event log")
		return
	}
	n := 20
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
			n = v
		}
	}
	hist := c.opts.Hub.History()
	if len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	for _, e := range hist {
		fmt.Fprintln(c.out, e.String())
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func parseOnOff(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, true
	case "off", "0", "false":
		return false, true
	}
	return false, false
}

func (c *Console) cmdLogging(args []string) {
	rec := c.opts.Recorder
	if rec == nil {
		fmt.Fprintln(c.out, "No event log file")
		return
	}
	switch {
	case len(args) == 0:
	case len(args) == 1:
		on, ok := parseOnOff(args[0])
		if !ok {
			fmt.Fprintln(c.out, "Usage: logging [on|off] | logging comm on|off")
			return
		}
		rec.SetEnabled(on)
	case len(args) == 2 && strings.EqualFold(args[0], "comm"):
		on, ok := parseOnOff(args[1])
		if !ok {
			fmt.Fprintln(c.out, "Usage: logging [on|off] | logging comm on|off")
			return
		}
		rec.SetCommunication(on)
	default:
		fmt.Fprintln(c.out, "Usage: logging [on|off] | logging comm on|off")
		return
	}
	fmt.Fprintf(c.out, "Event log file %s, bus traffic %s\n", onOff(rec.IsEnabled()), onOff(rec.IsCommunication()))
}

func (c *Console) cmdSave() {
	if c.opts.Save == nil {
		fmt.Fprintln(c.out, "Saving is not available")
		return
	}
	if err := c.opts.Save(); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "Configuration saved")
}
