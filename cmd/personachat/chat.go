package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/internal/session"
	"github.com/capitalize-ai/persona-chat/internal/store"
	"github.com/capitalize-ai/persona-chat/internal/transport"
)

const chatHelp = `Type a message and press enter to send it. Commands:
  /older          load earlier messages
  /search <text>  search this conversation
  /files <id>     list a message's attachments
  /delete <id>    delete a message (admins)
  /count          show how many messages the conversation holds
  /refresh        reload the latest messages
  /help           show this help
  /quit           leave`

var chatCmd = &cobra.Command{
	Use:   "chat <persona-id>",
	Short: "Talk to a persona",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if err := a.requireLogin(); err != nil {
			return err
		}
		ctrl := a.session()
		defer ctrl.Close()

		res, err := openSession(cmd.Context(), ctrl, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Chatting with %s. /help lists commands.\n\n", res.Persona.Name)
		printMessages(out, res.Persona.Name, res.Store.Messages())

		c := &chat{out: out, st: res.Store, persona: res.Persona.Name}
		unsubscribe := res.Store.OnChange(c.onChange)
		defer unsubscribe()
		return c.run(cmd.Context(), cmd.InOrStdin())
	}),
}

// openSession selects personaID and turns redirects and failures into
// terminal messages.
func openSession(ctx context.Context, ctrl *session.Controller, personaID string) (session.Resolution, error) {
	res, err := ctrl.Select(ctx, personaID)
	if err != nil {
		var info *session.ErrorInfo
		if errors.As(err, &info) && info.Retryable {
			return res, fmt.Errorf("%s (try again shortly)", transport.UserMessage(err))
		}
		return res, err
	}
	if res.Redirect != nil {
		if res.Redirect.ToPicker() {
			return res, errors.New("that persona is not available to you; run `personachat personas` to pick one")
		}
		return res, fmt.Errorf("that persona is not available to you; try `personachat chat %s`", res.Redirect.PersonaID)
	}
	return res, nil
}

// chat runs the interactive loop and prints streamed replies as they grow.
type chat struct {
	out     io.Writer
	st      *store.Store
	persona string

	mu        sync.Mutex
	streamID  string
	streamLen int
}

func (c *chat) onChange(ch store.Change) {
	if ch.Kind != store.MessageUpdated {
		return
	}
	m, ok := c.st.Message(ch.ID)
	if !ok || m.Role != model.RoleAssistant || m.Status != model.StatusStreaming {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.ID != c.streamID {
		c.streamID = ch.ID
		c.streamLen = 0
		fmt.Fprintf(c.out, "%s: ", c.persona)
	}
	if len(m.Content) > c.streamLen {
		fmt.Fprint(c.out, m.Content[c.streamLen:])
		c.streamLen = len(m.Content)
	}
}

func (c *chat) endStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamID != "" {
		fmt.Fprintln(c.out)
	}
	c.streamID = ""
	c.streamLen = 0
}

func (c *chat) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := c.command(ctx, line)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(c.out, "! %s\n", describe(err))
			}
			if quit {
				return nil
			}
			continue
		}

		_, err := c.st.SendStreaming(ctx, line, nil)
		c.endStream()
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case transport.IsCancelled(err):
			fmt.Fprintln(c.out, "(reply stopped)")
		default:
			fmt.Fprintf(c.out, "! %s\n", describe(err))
		}
	}
}

func (c *chat) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Fprintln(c.out, chatHelp)

	case "/older":
		n, err := c.st.LoadOlder(ctx)
		if err != nil {
			return false, err
		}
		if n == 0 {
			fmt.Fprintln(c.out, "(no earlier messages)")
			return false, nil
		}
		printMessages(c.out, c.persona, c.st.Messages()[:n])

	case "/search":
		if arg == "" {
			return false, errors.New("usage: /search <text>")
		}
		res, err := c.st.Search(ctx, arg, 1, 0)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "%s matches\n", humanize.Comma(int64(res.Total)))
		printMessages(c.out, c.persona, res.Items)

	case "/files":
		if arg == "" {
			return false, errors.New("usage: /files <message-id>")
		}
		files, err := c.st.Attachments(ctx, arg)
		if err != nil {
			return false, err
		}
		if len(files) == 0 {
			fmt.Fprintln(c.out, "(no attachments)")
		}
		for _, f := range files {
			fmt.Fprintf(c.out, "  %s  %s  %s\n", f.Filename, f.ContentType, humanize.Bytes(uint64(max(f.Size, 0))))
		}

	case "/delete":
		if arg == "" {
			return false, errors.New("usage: /delete <message-id>")
		}
		if err := c.st.Delete(ctx, arg); err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "(deleted %s)\n", arg)

	case "/count":
		n, err := c.st.Count(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "%s messages\n", humanize.Comma(int64(n)))

	case "/refresh":
		if err := c.st.Refresh(ctx); err != nil {
			return false, err
		}
		printMessages(c.out, c.persona, c.st.Messages())

	default:
		return false, fmt.Errorf("unknown command %s; /help lists commands", name)
	}
	return false, nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, store.ErrFeatureDisabled):
		return "that is not enabled for your account"
	case errors.Is(err, store.ErrNotDeletable):
		return "that message cannot be deleted yet"
	case errors.Is(err, store.ErrNotConfirmed):
		return "that message is not saved yet; try again after /refresh"
	case errors.Is(err, store.ErrMessageNotFound):
		return "no such message in this conversation"
	}
	var te *transport.Error
	if errors.As(err, &te) {
		return transport.UserMessage(err)
	}
	return err.Error()
}

func printMessages(out io.Writer, persona string, msgs []model.Message) {
	for _, m := range msgs {
		who := "You"
		if m.Role == model.RoleAssistant {
			who = persona
		}
		when := ""
		if !m.Timestamp.IsZero() {
			when = humanize.Time(m.Timestamp)
		}
		content := m.Content
		if content == "" {
			content = "(attachment)"
		}
		suffix := ""
		if m.Status == model.StatusFailed {
			suffix = " [incomplete]"
		}
		fmt.Fprintf(out, "[%s] %s %s: %s%s\n", idLabel(m), when, who, content, suffix)
	}
}

func idLabel(m model.Message) string {
	if m.Local {
		return "…"
	}
	if _, err := strconv.Atoi(m.ID); err == nil {
		return m.ID
	}
	return m.ID[:min(8, len(m.ID))]
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
