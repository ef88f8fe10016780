package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/comigor/chatsync/internal/chat"
	"github.com/comigor/chatsync/internal/inbox"
	"github.com/comigor/chatsync/internal/logger"
	"github.com/comigor/chatsync/internal/resolver"
	"github.com/comigor/chatsync/internal/session"
)

func (a *app) conversationsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List the conversations of the acting identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			t, err := a.transport(ctx)
			if err != nil {
				return err
			}
			defer t.Close()

			var (
				mu    sync.Mutex
				ready bool
				in    *inbox.Inbox
			)
			in = inbox.New(a.client, t, a.cfg.API.PageSize, func() {
				mu.Lock()
				defer mu.Unlock()
				if ready && follow {
					printConversations(out, in.List())
				}
			})
			defer in.Close()

			if err := in.Start(ctx, a.self); err != nil {
				return err
			}
			printConversations(out, in.List())
			if !follow {
				return nil
			}
			mu.Lock()
			ready = true
			mu.Unlock()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing the list as it changes")
	return cmd
}

func printConversations(w io.Writer, convs []chat.Conversation) {
	fmt.Fprintln(w, "---")
	for _, c := range convs {
		name := c.Name
		if name == "" {
			name = string(c.Type)
		}
		fmt.Fprintf(w, "%s  %-24s  %s  %s\n", c.ID, name, c.LastActivityAt.Format("2006-01-02 15:04"), c.LastMessage)
	}
}

func (a *app) resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <target-id> <kind>",
		Short: "Find or create the direct conversation with a target profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := chat.ParseIdentityKind(strings.ToLower(args[1]))
			if err != nil {
				return err
			}
			r := resolver.New(a.client, a.cfg.Chat.ResolverMaxPages, a.cfg.Chat.ResolverPageSize)
			conv, err := r.ResolveOrCreate(cmd.Context(), a.self, chat.Participant{ID: args[0], Kind: kind})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
			return nil
		},
	}
}

// cliNavigator reports a rejected conversation and ends the command.
type cliNavigator struct {
	w      io.Writer
	cancel context.CancelFunc
}

func (n cliNavigator) Alert(msg string) { fmt.Fprintln(n.w, "!", msg) }

func (n cliNavigator) NavigateAway() { n.cancel() }

func (a *app) tailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail <conversation-id>",
		Short: "Follow a conversation and send stdin lines as messages",
		Long: "Follow a conversation and send stdin lines as messages.\n\n" +
			"Commands: /edit <id> <text>, /delete <id>, /reply <id>, /older, /as <id> <kind>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			out := cmd.OutOrStdout()

			t, err := a.transport(ctx)
			if err != nil {
				return err
			}
			defer t.Close()

			p := &printer{w: out, seen: make(map[string]struct{})}
			var s *session.Session
			s = session.New(a.client, t, cliNavigator{w: cmd.ErrOrStderr(), cancel: cancel}, session.Options{
				PageSize:    a.cfg.API.PageSize,
				TypingIdle:  a.cfg.Chat.TypingIdle,
				TypingClear: a.cfg.Chat.TypingClear,
				OnChange:    func() { p.render(s) },
			})
			defer s.Close()

			if err := s.Open(ctx, args[0], a.self); err != nil {
				return err
			}
			if err := s.MarkRead(ctx); err != nil {
				logger.L.Warn("mark read failed", "conversation", args[0], "error", err)
			}

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					select {
					case lines <- sc.Text():
					case <-ctx.Done():
						return
					}
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if err := a.handleLine(ctx, s, line); err != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), "!", err)
					}
				}
			}
		},
	}
}

func (a *app) handleLine(ctx context.Context, s *session.Session, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if err := s.SetText(ctx, line); err != nil {
			return err
		}
		_, err := s.Send(ctx)
		return err
	}

	fields := strings.SplitN(line, " ", 3)
	switch fields[0] {
	case "/edit":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /edit <id> <text>")
		}
		return s.Edit(ctx, fields[1], fields[2])
	case "/delete":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /delete <id>")
		}
		return s.Delete(ctx, fields[1], func(context.Context, chat.Message) bool { return true })
	case "/reply":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /reply <id>")
		}
		return s.SetReplyTo(fields[1])
	case "/older":
		_, err := s.LoadOlder(ctx)
		return err
	case "/as":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /as <id> <kind>")
		}
		kind, err := chat.ParseIdentityKind(strings.ToLower(fields[2]))
		if err != nil {
			return err
		}
		return s.SwitchIdentity(ctx, chat.Identity{ID: fields[1], Kind: kind})
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

// printer writes messages it has not shown yet and typing changes.
type printer struct {
	w io.Writer

	mu     sync.Mutex
	seen   map[string]struct{}
	typing string
}

func (p *printer) render(s *session.Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range s.Messages() {
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}
		name := m.Sender.DisplayName
		if name == "" {
			name = m.Sender.ID
		}
		fmt.Fprintf(p.w, "[%s] %s %s: %s\n", m.SentAt.Format("15:04"), m.ID, name, m.Content)
	}

	names := make([]string, 0)
	for _, t := range s.Typing() {
		names = append(names, t.DisplayName)
	}
	typing := strings.Join(names, ", ")
	if typing != p.typing {
		p.typing = typing
		if typing != "" {
			fmt.Fprintf(p.w, "... %s typing\n", typing)
		}
	}
}
