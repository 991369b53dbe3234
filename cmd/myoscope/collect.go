package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/myoscope/internal/devicefactory"
	"github.com/srg/myoscope/internal/recorder"
	"golang.org/x/term"
)

// collectCmd represents the collect command
var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Record labelled gesture samples from the terminal",
	Long: `Connect to an armband and record one labelled sample per round.

Each round counts down, records for --duration and saves a CSV file named
after the label. When stdin is a terminal the command then asks for the next
label; an empty answer ends the session.`,
	Example: `  myoscope collect --address C8:2F:84:E5:88:AF --label fist --duration 5s --raw`,
	Args:    cobra.NoArgs,
	RunE:    runCollect,
}

var (
	collectAddress   string
	collectLabel     string
	collectDuration  time.Duration
	collectCountdown time.Duration
	collectRaw       bool
	collectDir       string
	collectBackend   string
)

func init() {
	collectCmd.Flags().StringVarP(&collectAddress, "address", "a", "", "Armband address")
	collectCmd.Flags().StringVar(&collectLabel, "label", "", "Label of the first round")
	collectCmd.Flags().DurationVarP(&collectDuration, "duration", "d", 5*time.Second, "Recording length per round")
	collectCmd.Flags().DurationVar(&collectCountdown, "countdown", 3*time.Second, "Countdown before each round")
	collectCmd.Flags().BoolVar(&collectRaw, "raw", false, "Save raw notification bytes instead of parsed samples")
	collectCmd.Flags().StringVar(&collectDir, "dir", "", "Output directory (default from config)")
	collectCmd.Flags().StringVar(&collectBackend, "backend", "", "BLE backend (goble, tinygo)")
	_ = collectCmd.MarkFlagRequired("address")
}

type roundOutcome struct {
	res recorder.Result
	err error
}

func runCollect(cmd *cobra.Command, args []string) error {
	if collectDuration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", collectDuration)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if collectDir != "" {
		cfg.RecordingsDir = collectDir
	}
	if collectBackend != "" {
		cfg.Backend = collectBackend
	}
	mode, err := cfg.Mode()
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	link, err := devicefactory.New(cfg.Backend, logger)
	if err != nil {
		return err
	}
	rounds := make(chan roundOutcome, 1)
	a := newApp(cfg, link, logger, func(res recorder.Result, err error) {
		rounds <- roundOutcome{res: res, err: err}
	})
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Connecting to %s...\n", collectAddress)
	if err := a.session.Connect(ctx, collectAddress, mode); err != nil {
		return err
	}
	fmt.Println(color.GreenString("Connected") + " (" + mode.String() + ")")

	c := &collector{
		app:         a,
		out:         os.Stdout,
		in:          bufio.NewReader(os.Stdin),
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
		rounds:      rounds,
	}
	return c.run(ctx, collectLabel)
}

// collector runs recording rounds until the user stops answering.
type collector struct {
	app         *app
	out         io.Writer
	in          *bufio.Reader
	interactive bool
	rounds      <-chan roundOutcome
}

func (c *collector) run(ctx context.Context, label string) error {
	if label == "" && c.interactive {
		label = c.prompt("Label for the first round: ")
	}

	for {
		res, err := c.round(ctx, label)
		if err != nil {
			return err
		}
		c.report(res)

		if !c.interactive {
			return nil
		}
		label = c.prompt("Next label (empty to finish): ")
		if label == "" {
			return nil
		}
	}
}

func (c *collector) round(ctx context.Context, label string) (recorder.Result, error) {
	if err := c.countdown(ctx, recorder.SanitizeLabel(label)); err != nil {
		return recorder.Result{}, err
	}
	// A short buzz tells the wearer to start the gesture.
	if err := c.app.session.Vibrate(ctx, "short"); err != nil {
		c.app.logger.WithError(err).Debug("Start cue vibration failed")
	}

	_, err := c.app.recorder.Start(recorder.StartOptions{
		Label:   label,
		RawMode: collectRaw,
		Timeout: collectDuration,
	})
	if err != nil {
		return recorder.Result{}, err
	}

	progress := NewCountdownProgressPrinter(c.out, "Recording "+recorder.SanitizeLabel(label), "Recording", collectDuration)
	progress.Start()
	defer progress.Stop()

	select {
	case <-ctx.Done():
		progress.Stop()
		if res, err := c.app.recorder.Stop(); err == nil {
			c.report(res)
		}
		return recorder.Result{}, ctx.Err()
	case out := <-c.rounds:
		return out.res, out.err
	}
}

func (c *collector) countdown(ctx context.Context, label string) error {
	for left := collectCountdown; left > 0; left -= time.Second {
		fmt.Fprintf(c.out, "\r%s in %ds   ", label, int((left+time.Second-1)/time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(time.Second, left)):
		}
	}
	fmt.Fprint(c.out, clearLineSequence)
	return nil
}

func (c *collector) report(res recorder.Result) {
	if res.Path == "" {
		fmt.Fprintln(c.out, color.YellowString("No samples recorded for %s", res.Label))
		return
	}
	fmt.Fprintf(c.out, "%s %d records -> %s\n", color.GreenString("Saved"), res.Records, res.Path)
	c.app.logger.WithFields(logrus.Fields{"id": res.ID, "path": res.Path}).Debug("Round saved")
}

func (c *collector) prompt(question string) string {
	fmt.Fprint(c.out, question)
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.TrimSpace(line)
}
