package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/go-go-golems/grillo/pkg/client"
	"github.com/go-go-golems/grillo/pkg/config"
	"github.com/go-go-golems/grillo/pkg/interview"
	"github.com/go-go-golems/grillo/pkg/turn"
)

const (
	keyCtrlC     = 3
	keyCtrlD     = 4
	keyCtrlE     = 5
	keyBackspace = 127
	keyCtrlH     = 8
)

func newInterviewCommand() *cobra.Command {
	var (
		name, role, mode, resumePath, playCmd, reportOut, reportFormat string
		duration, sampleRate                                           int
	)
	cmd := &cobra.Command{
		Use:   "interview",
		Short: "Take an interview in the terminal",
		Long: `Take an interview against a running grillo server.

Text mode reads keystrokes; Enter sends the answer, Ctrl-E sends a silence
and Ctrl-C ends the interview early. Voice mode reads mono 16-bit PCM from
stdin, for example:

  arecord -q -f S16_LE -r 16000 -c 1 | grillo interview --mode voice ...`,
		Annotations: map[string]string{"client.server": "server"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			resume, err := os.ReadFile(resumePath)
			if err != nil {
				return errors.Wrap(err, "read resume")
			}
			c, err := client.New(s.Client.Server)
			if err != nil {
				return err
			}
			return runInterview(cmd.Context(), c, s, interviewOptions{
				start: client.StartParams{
					Name: name, Role: role, Duration: duration, Mode: mode, Resume: string(resume),
				},
				sampleRate:   sampleRate,
				playCmd:      playCmd,
				reportOut:    reportOut,
				reportFormat: reportFormat,
			})
		},
	}
	cmd.Flags().String("server", config.Defaults().Client.Server, "grillo server URL")
	cmd.Flags().StringVar(&name, "name", "", "candidate name as written on the resume")
	cmd.Flags().StringVar(&role, "role", "", "role being interviewed for")
	cmd.Flags().IntVar(&duration, "duration", 10, "planned duration in minutes (3-45)")
	cmd.Flags().StringVar(&mode, "mode", "text", "text or voice")
	cmd.Flags().StringVar(&resumePath, "resume", "", "path to a plain text resume")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 16000, "PCM sample rate for voice mode")
	cmd.Flags().StringVar(&playCmd, "play-cmd", "", "command that plays mp3 from stdin, e.g. \"mpv --really-quiet -\"")
	cmd.Flags().StringVar(&reportOut, "report-out", "", "write the final report to this file")
	cmd.Flags().StringVar(&reportFormat, "report-format", "yaml", "report file format: yaml or json")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("resume")
	return cmd
}

type interviewOptions struct {
	start        client.StartParams
	sampleRate   int
	playCmd      string
	reportOut    string
	reportFormat string
}

func runInterview(ctx context.Context, c *client.Client, s config.Settings, opts interviewOptions) error {
	st, err := c.Start(ctx, opts.start)
	if err != nil {
		return err
	}
	log.Debug().Str("session_id", st.SessionID).Str("mode", string(st.Mode)).Msg("interview started")

	raw := st.Mode == interview.ModeText && isatty.IsTerminal(os.Stdin.Fd())
	out := &console{w: os.Stdout, raw: raw}
	reports := make(chan *interview.Report, 1)
	sink := &consoleSink{out: out, reports: reports}

	ctlOpts := []turn.ControllerOption{
		turn.WithSink(sink),
		turn.WithPlayer(&commandPlayer{client: c, command: opts.playCmd}),
	}
	var pcm *pcmCapture
	if st.Mode == interview.ModeVoice {
		pcm = newPCMCapture(os.Stdin, opts.sampleRate)
		ctlOpts = append(ctlOpts, turn.WithCapture(pcm))
	}
	ctl, err := turn.NewController(turn.Config{
		SessionID:  st.SessionID,
		Mode:       st.Mode,
		Thresholds: s.Turn,
	}, c, ctlOpts...)
	if err != nil {
		return err
	}
	defer ctl.Close()
	sink.retry = ctl.RetryReport

	if raw {
		state, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return errors.Wrap(err, "enter raw mode")
		}
		defer func() { _ = term.Restore(int(os.Stdin.Fd()), state) }()
	}

	ctl.Start(ctx, turn.Opening{Text: st.Text, AudioHandle: st.AudioURL})
	switch {
	case pcm != nil:
		go pcm.pump()
	case raw:
		go readKeys(os.Stdin, ctl, out)
	default:
		go readLines(os.Stdin, ctl)
	}

	select {
	case <-ctl.Done():
	case <-ctx.Done():
		// Ctrl-C outside raw mode ends the interview; wait for the report.
		ctl.EndEarly()
		select {
		case <-ctl.Done():
		case <-time.After(time.Minute):
		}
	}

	select {
	case rep := <-reports:
		if opts.reportOut != "" {
			if err := writeReport(opts.reportOut, opts.reportFormat, rep); err != nil {
				return err
			}
			out.Printf("report written to %s\n", opts.reportOut)
		}
	default:
	}
	return nil
}

// readKeys drives the controller from a raw terminal.
func readKeys(in io.Reader, ctl *turn.Controller, out *console) {
	r := bufio.NewReader(in)
	var line []rune
	for {
		ch, _, err := r.ReadRune()
		if err != nil {
			ctl.EndEarly()
			return
		}
		switch ch {
		case keyCtrlC, keyCtrlD:
			out.Printf("\n")
			ctl.EndEarly()
			return
		case keyCtrlE:
			line = line[:0]
			out.Printf("\n")
			ctl.ForceEndTurn()
		case '\r', '\n':
			text := string(line)
			line = line[:0]
			out.Printf("\n")
			ctl.Submit(text)
		case keyBackspace, keyCtrlH:
			ctl.Keystroke()
			if len(line) > 0 {
				line = line[:len(line)-1]
				out.Printf("\b \b")
			}
		default:
			ctl.Keystroke()
			line = append(line, ch)
			out.Printf("%c", ch)
		}
	}
}

// readLines is the fallback when stdin is not a terminal; each line is an
// answer and EOF ends the interview.
func readLines(in io.Reader, ctl *turn.Controller) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		ctl.Keystroke()
		ctl.Submit(sc.Text())
	}
	ctl.EndEarly()
}

// console serializes terminal output and translates newlines in raw mode.
type console struct {
	mu  sync.Mutex
	w   io.Writer
	raw bool
}

func (c *console) Printf(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	if c.raw {
		s = strings.ReplaceAll(s, "\n", "\r\n")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.w, s)
}

type consoleSink struct {
	out     *console
	reports chan *interview.Report
	retry   func()
}

func (s *consoleSink) Handle(e turn.Event) {
	switch e.Kind {
	case turn.EventInterviewer:
		s.out.Printf("\nInterviewer: %s\n", e.Text)
	case turn.EventCandidate:
		s.out.Printf("You: %s\n", e.Text)
	case turn.EventState:
		switch e.State {
		case turn.StateListening:
			s.out.Printf("> ")
		case turn.StateProcessing:
			s.out.Printf("...\n")
		case turn.StateEnded:
			s.out.Printf("\nInterview ended.\n")
		case turn.StateInterviewerSpeaking:
		}
	case turn.EventNotice:
		switch {
		case e.Fatal:
			s.out.Printf("\n! %s (session lost)\n", e.Text)
		case e.Retry && s.retry != nil:
			s.out.Printf("\n! %s (retrying in 5s)\n", e.Text)
			time.AfterFunc(5*time.Second, s.retry)
		default:
			s.out.Printf("\n! %s\n", e.Text)
		}
	case turn.EventReport:
		printReport(s.out, e.Report)
		select {
		case s.reports <- e.Report:
		default:
		}
	}
}

func printReport(out *console, r *interview.Report) {
	if r == nil {
		return
	}
	out.Printf("\n=== Report ===\n%s\n\n", r.Summary)
	out.Printf("Communication: %d/10  Technical: %d/10  Culture fit: %d/10\n",
		r.Communication, r.Technical, r.CultureFit)
	if r.Incomplete {
		out.Printf("(incomplete: no substantive answers)\n")
	}
	out.Printf("\nStrengths:\n")
	for _, s := range r.Strengths {
		out.Printf("  - %s\n", s)
	}
	out.Printf("Areas for improvement:\n")
	for _, s := range r.AreasForImprovement {
		out.Printf("  - %s\n", s)
	}
}
