package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"charm.land/lipgloss/v2"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/go-go-golems/roomchat/pkg/config"
	"github.com/go-go-golems/roomchat/pkg/roomchat"
	"github.com/go-go-golems/roomchat/pkg/transcript"
	"github.com/go-go-golems/roomchat/pkg/transport/redisroom"
	"github.com/go-go-golems/roomchat/pkg/transport/wsconn"
)

func newJoinCmd(root *rootOptions) *cobra.Command {
	var (
		room        string
		name        string
		url         string
		transport   string
		receiptMode string
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and chat from the terminal",
		Long: "Join a room and chat from the terminal. Every input line is sent as a message.\n" +
			"Commands: /history prints the transcript, /reconnect drops and re-opens the\n" +
			"connection, /quit leaves.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := root.settings
			if cmd.Flags().Changed("url") {
				s.Client.URL = url
			}
			if cmd.Flags().Changed("transport") {
				s.Client.Transport = transport
			}
			if cmd.Flags().Changed("receipt-mode") {
				s.Client.ReceiptMode = receiptMode
			}
			if err := s.Validate(); err != nil {
				return err
			}
			var err error
			if room, err = askIfEmpty(room, "room", "Room id"); err != nil {
				return err
			}
			if name, err = askIfEmpty(name, "name", "Display name"); err != nil {
				return err
			}
			dialer, closeDialer, err := buildDialer(s)
			if err != nil {
				return err
			}
			defer closeDialer()

			out := cmd.OutOrStdout()
			var styles *consoleStyles
			if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
				styles = newConsoleStyles()
			}
			return runConsole(cmd.Context(), s, dialer, room, name, os.Stdin, out, styles)
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "Room id to join")
	cmd.Flags().StringVar(&name, "name", "", "Display name in the room")
	cmd.Flags().StringVar(&url, "url", "", "Relay websocket endpoint (default from config)")
	cmd.Flags().StringVar(&transport, "transport", config.TransportWebsocket, "Transport: websocket or redis")
	cmd.Flags().StringVar(&receiptMode, "receipt-mode", "message", "Read receipt protocol: message or author")
	return cmd
}

// askIfEmpty prompts for a missing flag value when stdin is a terminal.
func askIfEmpty(value, flag, query string) (string, error) {
	if strings.TrimSpace(value) != "" {
		return value, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.Errorf("--%s is required", flag)
	}
	ui := &input.UI{Writer: os.Stderr, Reader: os.Stdin}
	answer, err := ui.Ask(query, &input.Options{
		Required:  true,
		Loop:      true,
		HideOrder: true,
		ValidateFunc: func(answer string) error {
			if strings.TrimSpace(answer) == "" {
				return errors.Errorf("%s must not be blank", flag)
			}
			return nil
		},
	})
	if err != nil {
		return "", errors.Wrapf(err, "read %s", flag)
	}
	return answer, nil
}

func buildDialer(s config.Settings) (roomchat.Dialer, func(), error) {
	switch s.Client.Transport {
	case config.TransportRedis:
		d, err := redisroom.NewDialer(s.Redis, redisroom.WithLogger(log.Logger))
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	default:
		d, err := wsconn.NewDialer(s.Client.URL, wsconn.WithKeepAlive(s.WSKeepAlive()), wsconn.WithLogger(log.Logger))
		if err != nil {
			return nil, nil, err
		}
		return d, func() {}, nil
	}
}

// runConsole drives one session from line input until /quit, end of input
// or ctx cancellation.
func runConsole(ctx context.Context, s config.Settings, dialer roomchat.Dialer, room, name string, in io.Reader, out io.Writer, styles *consoleStyles) error {
	c := &console{out: out, styles: styles}
	opts := append(s.SessionOptions(log.Logger),
		roomchat.WithStateListener(c.onState),
		roomchat.WithTranscriptListener(c.onChange),
	)
	session, err := roomchat.NewSession(dialer, opts...)
	if err != nil {
		return err
	}
	c.session = session
	c.identity = strings.TrimSpace(name)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, err := session.Open(ctx, room, name); err != nil {
		return err
	}
	c.banner("joining room %s as %s", session.RoomID(), c.identity)

	lines := make(chan string)
	go scanLines(ctx, in, lines)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		for {
			select {
			case <-egCtx.Done():
				return nil
			case line, ok := <-lines:
				if !ok || c.handleLine(line) {
					return nil
				}
			}
		}
	})
	eg.Go(func() error {
		<-egCtx.Done()
		return session.Close()
	})
	err = eg.Wait()
	<-session.Done()
	return err
}

// scanLines forwards input lines until end of input or ctx ends. A Read
// blocked on in is only left behind once it returns.
func scanLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

type consoleStyles struct {
	self   lipgloss.Style
	peer   lipgloss.Style
	banner lipgloss.Style
	alert  lipgloss.Style
	read   lipgloss.Style
}

func newConsoleStyles() *consoleStyles {
	return &consoleStyles{
		self:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		peer:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		banner: lipgloss.NewStyle().Faint(true),
		alert:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		read:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
}

// console is the terminal presentation of one session. A nil styles prints
// plain text.
type console struct {
	session  *roomchat.Session
	identity string
	styles   *consoleStyles

	mu  sync.Mutex
	out io.Writer
}

func (c *console) banner(format string, args ...any) {
	line := "-- " + fmt.Sprintf(format, args...) + " --"
	if c.styles != nil {
		line = c.styles.banner.Render(line)
	}
	c.printf("%s\n", line)
}

func (c *console) alert(format string, args ...any) {
	line := "!! " + fmt.Sprintf(format, args...)
	if c.styles != nil {
		line = c.styles.alert.Render(line)
	}
	c.printf("%s\n", line)
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// handleLine sends line or runs a command. It reports whether to quit.
func (c *console) handleLine(line string) bool {
	switch strings.TrimSpace(line) {
	case "/quit":
		return true
	case "/history":
		for m := range c.session.Transcript() {
			c.printf("%s\n", c.format(m))
		}
		return false
	case "/reconnect":
		if err := c.session.Reconnect(); err != nil {
			c.alert("reconnect: %v", err)
		}
		return false
	}

	if _, err := c.session.SendMessage(line); err != nil {
		switch {
		case errors.Is(err, roomchat.ErrEmptyMessage):
		case errors.Is(err, roomchat.ErrNotConnected):
			c.alert("not connected (%s), message not sent", c.session.State())
		default:
			c.alert("send: %v", err)
		}
	}
	return false
}

func (c *console) onChange(ch transcript.Change) {
	switch ch.Kind {
	case transcript.ChangeAppended:
		c.printf("%s\n", c.format(ch.Message))
	case transcript.ChangeRead:
		if ch.Message.Author == c.identity {
			c.printf("   seen: %s\n", ch.Message.Body)
		}
	}
}

func (c *console) onState(st roomchat.State) {
	switch st {
	case roomchat.StateDisconnected:
		var err error
		if c.session != nil {
			err = c.session.Err()
		}
		c.banner("disconnected: %v (type /reconnect to retry)", err)
	case roomchat.StateConnecting:
	default:
		c.banner("%s", st)
	}
}

func (c *console) format(m transcript.Message) string {
	author := "[" + m.Author + "]"
	if m.Author == c.identity {
		author = "[" + m.Author + " (you)]"
	}
	mark := ""
	if m.IsRead {
		mark = " ✓"
	}
	if c.styles != nil {
		if m.Author == c.identity {
			author = c.styles.self.Render(author)
		} else {
			author = c.styles.peer.Render(author)
		}
		if mark != "" {
			mark = c.styles.read.Render(mark)
		}
	}
	return author + " " + m.Body + mark
}
