package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/muesli/reflow/wordwrap"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vrwarp/narrator/internal/config"
	"github.com/vrwarp/narrator/internal/content"
	"github.com/vrwarp/narrator/internal/logging"
	"github.com/vrwarp/narrator/internal/narrator"
	"github.com/vrwarp/narrator/internal/playback"
	"github.com/vrwarp/narrator/internal/sequencer"
)

var (
	readSection int
	readEngine  string
	readVoice   string
	readSpeed   float64

	readCmd = &cobra.Command{
		Use:   "read FILE.md",
		Short: "Read a markdown book aloud",
		Long: paragraph(fmt.Sprintf("\n%s a markdown book from where you left off. In a terminal, "+
			"space pauses, n/p move between sentences, ]/[ between sections, +/- change the speed and q quits.", keyword("Read"))),
		Example: paragraph("narrator read book.md\nnarrator read book.md --section 3 --engine google"),
		Args:    cobra.ExactArgs(1),
		ValidArgsFunction: func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
			return []string{"md", "markdown"}, cobra.ShellCompDirectiveFilterFileExt
		},
		RunE: runRead,
	}
)

func init() {
	readCmd.Flags().IntVarP(&readSection, "section", "s", 0, "start at this section (0-based)")
	readCmd.Flags().StringVarP(&readEngine, "engine", "e", "", fmt.Sprintf("speech engine (%s)", strings.Join(config.Engines, ", ")))
	readCmd.Flags().StringVar(&readVoice, "voice", "", "voice id, see `narrator voices`")
	readCmd.Flags().Float64Var(&readSpeed, "speed", 0, "speaking rate (0.25-4)")
}

func runRead(cmd *cobra.Command, args []string) error {
	c := cfg
	if cmd.Flags().Changed("engine") {
		c.Engine = readEngine
	}
	if cmd.Flags().Changed("voice") {
		c.Voice = readVoice
	}
	if cmd.Flags().Changed("speed") {
		c.Speed = readSpeed
	}
	if err := c.Validate(); err != nil {
		return err
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
	if interactive && !cmd.Flags().Changed("log-file") && c.Log.File == "" {
		// raw mode output and log lines do not mix
		closer, err := logging.Setup(c.Log.Level, config.LogPath())
		if err != nil {
			return err
		}
		defer closer.Close() //nolint:errcheck
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	book, err := content.OpenMarkdown(args[0],
		content.WithSectionLevel(c.Playback.SectionLevel),
		content.WithMaxSentence(c.Playback.MaxSentence))
	if err != nil {
		return err
	}

	a, err := openApp(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	a.cache.StartRetention(c.Cache.MaxAge(), c.Cache.CleanupEvery)
	if c.Lexicon.Watch {
		if err := a.rules.Watch(ctx, func() { log.Info("Lexicon reloaded") }); err != nil {
			log.Warn("Not watching the lexicon", "err", err)
		}
	}

	n, err := a.newNarrator()
	if err != nil {
		return err
	}

	ui := &readerUI{out: os.Stdout, raw: interactive, width: 80, done: make(chan struct{})}
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		ui.width = w - 2
	}
	unsubscribe := n.Subscribe(ui.handle)
	defer unsubscribe()

	meta, _ := book.Meta(ctx)
	ui.printf("%s %s", keyword(meta.Title), dimStyle.Render(meta.Author))

	if _, err := await(ctx, n.Open(book)); err != nil {
		return err
	}
	if cmd.Flags().Changed("section") {
		if _, err := await(ctx, n.LoadSection(readSection)); err != nil {
			return err
		}
	}
	if _, err := await(ctx, n.Play()); err != nil {
		return err
	}

	if interactive {
		restore, err := rawMode()
		if err != nil {
			return err
		}
		defer restore()
		go readKeys(ctx, n, ui, stop)
	}

	select {
	case <-ctx.Done():
	case <-ui.done:
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Close(closeCtx); err != nil {
		log.Warn("Narrator did not shut down cleanly", "err", err)
	}

	a.metrics.Log()
	for backend, chars := range n.Costs() {
		ui.printf("%s billed %d characters", backend, chars)
	}
	return nil
}

// await resolves a command handle, surfacing the task error.
func await(ctx context.Context, h *sequencer.Handle) (any, error) {
	v, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return v, h.Err()
}

func rawMode() (func(), error) {
	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("unable to read keys: %w", err)
	}
	return func() { _ = term.Restore(fd, state) }, nil
}

// readKeys maps single key presses to narrator commands until quit.
func readKeys(ctx context.Context, n *narrator.Narrator, ui *readerUI, quit func()) {
	buf := make([]byte, 1)
	for ctx.Err() == nil {
		if _, err := os.Stdin.Read(buf); err != nil {
			quit()
			return
		}
		snap := n.Snapshot()
		switch buf[0] {
		case ' ':
			if snap.Status == playback.StatusPlaying {
				n.Pause()
			} else {
				n.Play()
			}
		case 'n':
			n.Next()
		case 'p':
			n.Prev()
		case ']':
			n.LoadSection(snap.CurrentSectionIndex + 1)
		case '[':
			n.LoadSection(max(snap.CurrentSectionIndex-1, 0))
		case '+', '=':
			speed := min(n.Settings().Speed+0.25, 4)
			n.SetSpeed(speed)
			ui.printf("speed %.2fx", speed)
		case '-':
			speed := max(n.Settings().Speed-0.25, 0.25)
			n.SetSpeed(speed)
			ui.printf("speed %.2fx", speed)
		case 's':
			n.Stop()
		case 'q', 3: // ctrl+c in raw mode
			quit()
			return
		}
	}
}

// readerUI prints narrator events as plain lines. Events arrive from
// several goroutines.
type readerUI struct {
	out   io.Writer
	raw   bool
	width int
	done  chan struct{}

	mu   sync.Mutex
	last string
	end  sync.Once
}

func (u *readerUI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	line := fmt.Sprintf(format, args...)
	if u.raw {
		line = strings.ReplaceAll(line, "\n", "\r\n") + "\r"
	}
	fmt.Fprintln(u.out, line) //nolint:errcheck
}

func (u *readerUI) handle(ev narrator.Event) {
	switch ev.Kind {
	case narrator.EventSection:
		u.printf("\n%s", headerStyle.Render(ev.Title))
	case narrator.EventStatus:
		snap := ev.Snapshot
		u.mu.Lock()
		fresh := snap.Status == playback.StatusPlaying && snap.CurrentItem != nil && snap.CurrentAnchor() != u.last
		if fresh {
			u.last = snap.CurrentAnchor()
		}
		u.mu.Unlock()

		if fresh {
			u.printf("%s", wordwrap.String(snap.CurrentItem.Text, u.width))
		}
		if snap.Status == playback.StatusCompleted {
			u.finish(dimStyle.Render("The end."))
		}
	case narrator.EventError:
		var msg string
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		if ev.Fatal {
			u.printf("%s", errorStyle.Render("error: "+msg))
			if !u.raw {
				// nobody is there to press play again
				u.finish("")
			}
		} else {
			u.printf("%s", dimStyle.Render("warning: "+msg))
		}
	case narrator.EventProgress:
		u.printf("%s", dimStyle.Render(fmt.Sprintf("downloading %s %3.0f%%", ev.Asset, ev.Progress*100)))
	case narrator.EventCost:
		log.Debug("Billed characters", "backend", ev.Backend, "chars", ev.Characters, "total", ev.TotalCharacters)
	}
}

func (u *readerUI) finish(msg string) {
	u.end.Do(func() {
		if msg != "" {
			u.printf("%s", msg)
		}
		close(u.done)
	})
}
