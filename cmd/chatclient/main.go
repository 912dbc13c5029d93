package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatrelay/internal/security"
	"chatrelay/pkg/client"
	"chatrelay/pkg/protocol"

	"github.com/sirupsen/logrus"
)

var (
	serverURL  = flag.String("url", "ws://localhost:3001/ws", "Relay WebSocket URL")
	userID     = flag.String("user", os.Getenv("USER"), "User id to register as")
	outboxPath = flag.String("outbox", "", "File that keeps unconfirmed messages across restarts")
	stateDir   = flag.String("state-dir", "", "Directory for a per-user outbox file when -outbox is not set")
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, logger); err != nil {
		logger.Fatalf("chatclient: %v", err)
	}
}

func run(ctx context.Context, in io.Reader, out io.Writer, logger *logrus.Logger) error {
	ui := &printer{w: out}

	path, err := outboxFile(*outboxPath, *stateDir, *userID)
	if err != nil {
		return err
	}

	c, err := client.New(client.Options{
		URL:          *serverURL,
		UserID:       *userID,
		OutboxPath:   path,
		Logger:       logger,
		OnMessage:    ui.message,
		OnFailed:     ui.failed,
		OnVideoState: ui.videoState,
		OnVideoError: func(e protocol.VideoError) { ui.printf("! video: %s\n", e.Error) },
		OnError:      func(e protocol.ErrorPayload) { ui.printf("! %s\n", e.Message) },
		OnShutdown:   func(protocol.ServerShutdown) { ui.printf("! relay is shutting down\n") },
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return c.Close()
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				cancel()
				return c.Close()
			}
			if quit := handleLine(ctx, c, ui, line); quit {
				cancel()
				return c.Close()
			}
		}
	}
}

// handleLine runs one line of input and reports whether to quit.
func handleLine(ctx context.Context, c *client.Client, ui *printer, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/pending":
		for _, e := range c.Outbox().Pending() {
			ui.printf("  %s [%s, %d attempts] %s\n", e.MessageID, e.Status, e.Attempts, e.Text)
		}
	case line == "/history":
		for _, m := range c.Outbox().History() {
			ui.message(m)
		}
	case strings.HasPrefix(line, "/video "):
		enabled := strings.TrimPrefix(line, "/video ") == "on"
		if err := c.SetVideo(ctx, enabled); err != nil {
			ui.printf("! %v\n", err)
		}
	case strings.HasPrefix(line, "/"):
		ui.printf("commands: /pending /history /video on|off /quit\n")
	default:
		if _, err := c.Send(ctx, line); err != nil {
			ui.printf("! %v\n", err)
		}
	}
	return false
}

type printer struct {
	w io.Writer
}

func (p *printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) message(m protocol.ReceiveMessage) {
	p.printf("#%d %s: %s (%s)\n", m.SequenceNumber, m.Sender, m.Text, m.Status)
}

func (p *printer) failed(e client.PendingEntry) {
	p.printf("! not delivered after %d attempts: %s\n", e.Attempts, e.Text)
}

func (p *printer) videoState(vs protocol.VideoState) {
	if len(vs.States) > 0 {
		for _, s := range vs.States {
			p.printf("* %s video %v (%s)\n", s.UserID, s.VideoEnabled, s.ConnectionState)
		}
		return
	}
	p.printf("* %s video %v\n", vs.UserID, vs.VideoEnabled)
}

// outboxFile picks where pending messages are kept. An explicit path wins;
// otherwise the file is named after the user inside stateDir. Empty means
// the outbox lives in memory only.
func outboxFile(explicit, stateDir, user string) (string, error) {
	if explicit != "" {
		return explicit, security.ValidateFilePath(explicit)
	}
	if stateDir == "" {
		return "", nil
	}
	return security.ResolveUnder(stateDir, user+".outbox.json")
}
