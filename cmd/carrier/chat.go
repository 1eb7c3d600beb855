package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/peder1981/securecarrier/internal/identity"
	"github.com/peder1981/securecarrier/internal/network"
	"github.com/peder1981/securecarrier/internal/protocol"
	"github.com/peder1981/securecarrier/internal/session"
	"github.com/peder1981/securecarrier/internal/shortcuts"
	"github.com/peder1981/securecarrier/internal/transport"
)

func newChatCommand(a *app) *cobra.Command {
	var name, shortcutsPath string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join the relay and chat from the terminal",
		Long: `Each input line is sent to everyone online. Start a line with
"@user " to send it to one user only. Commands:

  /who                     list the users online
  /reconnect               scan for the relay again
  /alias NAME EXPANSION    define a shortcut for the start of a line
  /unalias NAME            remove a shortcut
  /aliases                 list shortcuts
  /quit                    leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" {
				a.cfg.Identity.DisplayName = name
			}
			sc, err := shortcuts.Open(shortcutsPath)
			if err != nil {
				return err
			}
			s, closeAll, err := a.session()
			if err != nil {
				return err
			}
			defer closeAll()

			ctx := cmd.Context()
			if err := s.Connect(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			done := make(chan struct{})
			go func() {
				defer close(done)
				printEvents(out, s.Events())
			}()

			in := &input{session: s, shortcuts: sc, out: out}
			err = in.readLines(ctx, cmd.InOrStdin())
			s.Close()
			<-done
			return err
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name (default from config or generated)")
	cmd.Flags().StringVar(&shortcutsPath, "shortcuts", shortcuts.DefaultPath(), "shortcuts file")
	return cmd
}

// session builds a client Session from the configuration. closeAll
// releases the session and its discovery service.
func (a *app) session() (*session.Session, func(), error) {
	ident, err := identity.NewLocal(a.cfg.Identity.UserID, a.cfg.Identity.DisplayName)
	if err != nil {
		return nil, nil, err
	}
	svc, err := a.discovery(nil)
	if err != nil {
		return nil, nil, err
	}
	ch := a.cfg.Channel
	s, err := session.New(session.Options{
		Resolver:  svc,
		Keys:      a.keys(),
		Identity:  ident,
		Plaintext: a.cfg.Crypto.LegacyPlaintext,
		Channel: transport.ChannelOptions{
			Path:             ch.Path,
			SendQueue:        ch.SendQueue,
			HandshakeTimeout: ch.HandshakeTimeout(),
			CloseTimeout:     ch.CloseTimeout(),
		},
		Network: network.Options{
			ConnectTimeout: a.cfg.Network.ConnectTimeout(),
			ReadTimeout:    a.cfg.Network.ReadTimeout(),
			WriteTimeout:   a.cfg.Network.WriteTimeout(),
		},
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		svc.Close()
		return nil, nil, err
	}
	level.Debug(a.logger).Log("msg", "session ready", "user", ident.UserID(), "name", ident.DisplayName())
	return s, func() {
		s.Close()
		svc.Close()
	}, nil
}

// input turns terminal lines into commands and chat messages.
type input struct {
	session   *session.Session
	shortcuts *shortcuts.Set
	out       io.Writer
}

func (in *input) readLines(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
		errc <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			quit, err := in.handle(ctx, line)
			if err != nil {
				fmt.Fprintf(in.out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (in *input) handle(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		line = in.shortcuts.Expand(line)
	}
	cmd, args, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
		return false, nil
	case "/quit":
		return true, nil
	case "/who":
		for _, u := range in.session.Roster().Users() {
			fmt.Fprintf(in.out, "  %s (%s)\n", u.Name, u.ID)
		}
		return false, nil
	case "/reconnect":
		return false, in.session.Reconnect(ctx)
	case "/alias":
		name, exp, _ := strings.Cut(strings.TrimSpace(args), " ")
		if strings.TrimSpace(exp) == "" {
			return false, fmt.Errorf("usage: /alias NAME EXPANSION")
		}
		return false, in.shortcuts.Add(name, strings.TrimSpace(exp))
	case "/unalias":
		return false, in.shortcuts.Remove(strings.TrimSpace(args))
	case "/aliases":
		for _, sc := range in.shortcuts.List() {
			fmt.Fprintf(in.out, "  %s = %s\n", sc.Name, sc.Expansion)
		}
		return false, nil
	}
	if strings.HasPrefix(cmd, "/") {
		return false, fmt.Errorf("unknown command %s", cmd)
	}

	recipient, body := parseLine(line)
	_, sent, err := in.session.SendChat(recipient, []byte(body))
	if err != nil {
		return false, err
	}
	if !sent {
		fmt.Fprintln(in.out, "! not connected, message not sent")
	}
	return false, nil
}

// parseLine splits "@user text" into its recipient and body. Lines without
// the prefix go to everyone.
func parseLine(line string) (recipient, body string) {
	if !strings.HasPrefix(line, "@") {
		return "", line
	}
	to, rest, ok := strings.Cut(line[1:], " ")
	if !ok || to == "" {
		return "", line
	}
	return to, strings.TrimSpace(rest)
}

func printEvents(out io.Writer, events <-chan protocol.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case *protocol.ChatEvent:
			c := e.Chat
			prefix := ""
			if c.Recipient != "" {
				prefix = "(privado) "
			}
			fmt.Fprintf(out, "[%s] %s<%s> %s\n", c.Timestamp.Local().Format("15:04"), prefix, c.SenderName, c.Body)
		case *protocol.PresenceEvent:
			names := make([]string, 0, len(e.Presence.Users))
			for _, u := range e.Presence.Users {
				names = append(names, u.Name)
			}
			fmt.Fprintf(out, "* online: %s\n", strings.Join(names, ", "))
		case *protocol.NoticeEvent:
			fmt.Fprintf(out, "[Server] %s\n", e.Text)
		case *protocol.ConnectionEvent:
			if e.Err != nil {
				fmt.Fprintf(out, "* %s: %v\n", e.State, e.Err)
			} else {
				fmt.Fprintf(out, "* %s\n", e.State)
			}
		case *protocol.ErrorEvent:
			fmt.Fprintf(out, "! frame dropped: %v\n", e.Err)
		}
	}
}
