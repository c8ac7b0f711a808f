// Package cli implements the interactive operator console: live status,
// per-client traffic tables and the kick/rescene controls.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/internal/config"
	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/server"
	"github.com/framecast-project/framecast/internal/stats"
)

const prompt = "framecast> "

// Controller is the part of the frame server the console drives.
type Controller interface {
	Status() server.Status
	Clients() []server.ClientInfo
	Stats() *stats.Aggregator
	Kick(slot int) error
	BumpEpoch() uint8
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	ctrl     Controller
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, ctrl Controller, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		ctrl:     ctrl,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nFramecast console ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, prompt)
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single console command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "clients", "c":
		c.printClients()
	case "stats":
		c.printStats()
	case "kick":
		return c.cmdKick(args)
	case "rescene":
		epoch := c.ctrl.BumpEpoch()
		fmt.Fprintf(c.out, "Scene epoch is now %d, viewers will renegotiate\n", epoch)
	case "loglevel":
		return c.cmdLogLevel(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down Framecast...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                  Framecast Console Commands                  ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status             Show the server summary                  ║")
	fmt.Fprintln(c.out, "║  clients            List connected viewers                   ║")
	fmt.Fprintln(c.out, "║  stats              Show the last statistics window          ║")
	fmt.Fprintln(c.out, "║  kick <slot>        Disconnect a viewer                      ║")
	fmt.Fprintln(c.out, "║  rescene            Resend the scene to every viewer         ║")
	fmt.Fprintln(c.out, "║  loglevel <level>   Change the log level                     ║")
	fmt.Fprintln(c.out, "║  quit               Shutdown Framecast                       ║")
	fmt.Fprintln(c.out, "║  help               Show this help message                   ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

func (c *CLI) printStatus() {
	st := c.ctrl.Status()
	scene := "none"
	if st.HasScene {
		scene = fmt.Sprintf("epoch %d", st.Epoch)
	}
	fmt.Fprintf(c.out, "\n  Server:     %s\n", st.Name)
	fmt.Fprintf(c.out, "  Uptime:     %s\n", st.Uptime.Round(time.Second))
	fmt.Fprintf(c.out, "  Scene:      %s\n", scene)
	fmt.Fprintf(c.out, "  Clients:    %d/%d (%d streaming)\n", st.Clients, st.Capacity, st.Streaming)
	fmt.Fprintf(c.out, "  Sent:       %s\n", humanize.Bytes(c.ctrl.Stats().Totals().Total()))
	fmt.Fprintln(c.out)
}

func (c *CLI) printClients() {
	clients := c.ctrl.Clients()
	if len(clients) == 0 {
		fmt.Fprintln(c.out, "No viewers connected")
		return
	}

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Slot", "Name", "Address", "Resolution", "State", "Epoch", "Lines", "RTT", "Connected"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, ci := range clients {
		tw.Append([]string{
			strconv.Itoa(ci.Handle.Slot),
			ci.Name,
			ci.Addr,
			fmt.Sprintf("%dx%d", ci.Width, ci.Height),
			ci.State,
			strconv.Itoa(int(ci.Epoch)),
			strconv.Itoa(ci.LinesSent),
			ci.RTT.Round(time.Millisecond).String(),
			humanize.Time(ci.ConnectedAt),
		})
	}

	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printStats() {
	agg := c.ctrl.Stats()
	window := agg.Window()
	if window == 0 {
		fmt.Fprintln(c.out, "No statistics window has closed yet")
		return
	}

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Slot", "Sent", "Rate", "Frames", "Full", "Empty", "Ratio", "RTT"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	row := func(label string, counters stats.Counters) []string {
		return []string{
			label,
			humanize.Bytes(counters.Total()),
			humanize.Bytes(uint64(stats.Rate(counters.Total(), window))) + "/s",
			strconv.FormatUint(counters.Frames, 10),
			strconv.FormatUint(counters.FullBoxes, 10),
			strconv.FormatUint(counters.EmptyBoxes, 10),
			fmt.Sprintf("%.2f", counters.Ratio()),
			counters.RTT.Round(time.Millisecond).String(),
		}
	}
	for _, slot := range agg.Slots() {
		if counters, ok := agg.Last(slot); ok {
			tw.Append(row(strconv.Itoa(slot), counters))
		}
	}
	tw.SetFooter(row("total", agg.LastTotal()))

	tw.Render()
	fmt.Fprintf(c.out, "  window %s\n\n", window.Round(time.Millisecond))
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <slot>")
	}
	slot, err := strconv.Atoi(args[0])
	if err != nil || slot < 0 {
		return fmt.Errorf("invalid slot: %s", args[0])
	}

	if err := c.ctrl.Kick(slot); err != nil {
		if errors.Is(err, server.ErrNoClient) {
			return fmt.Errorf("no viewer in slot %d", slot)
		}
		return err
	}
	fmt.Fprintf(c.out, "Viewer in slot %d kicked\n", slot)
	return nil
}

func (c *CLI) cmdLogLevel(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: loglevel <trace|debug|info|warn|error>")
	}
	level, err := zerolog.ParseLevel(strings.ToLower(args[0]))
	if err != nil || level == zerolog.NoLevel {
		return fmt.Errorf("unknown log level: %s", args[0])
	}

	app := c.cfg.GetApplicationData()
	app.Logging.Level = level.String()
	c.cfg.SetApplicationData(app)
	if err := c.cfg.Save(); err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:   events.EventConfigChanged,
		Source: "cli",
		Payload: events.ConfigChangedPayload{
			Section: "application_data",
			Key:     "logging.level",
			Value:   level.String(),
		},
	})
	fmt.Fprintf(c.out, "Log level set to %s\n", level)
	return nil
}
