package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"whisper/internal/auth"
	"whisper/internal/client"
	clog "whisper/internal/log"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	var logLevel string

	app := &cli.Command{
		Name:  "chatclient",
		Usage: "Terminal client for the whisper chat hub",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("LOG_LEVEL"),
				Value:       "warn",
				Destination: &logLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			clog.InitWriter(os.Stderr, "dev", logLevel)
			return ctx, nil
		},
		Commands: []*cli.Command{tokenCmd(), chatCmd()},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("chatclient")
		os.Exit(1)
	}
}

// tokenCmd 在本地模拟身份提供方签发 token，仅用于开发环境。
func tokenCmd() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "Mint a development token",
		UsageText: "chatclient token --subject alice --name Alice --email alice@example.com",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret", Sources: cli.EnvVars("JWT_SECRET"), Value: "dev-secret-change-me"},
			&cli.StringFlag{Name: "subject", Required: true},
			&cli.StringFlag{Name: "name", Required: true},
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "avatar"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			tok, err := auth.IssueToken(c.String("subject"), auth.Profile{
				Name:   c.String("name"),
				Email:  c.String("email"),
				Avatar: c.String("avatar"),
			}, c.String("secret"), c.Duration("ttl"))
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Println(tok)
			return nil
		},
	}
}

func chatCmd() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Connect and chat interactively",
		Description: `Commands:
  /users            list other users
  /chats            list your conversations
  /with <userId>    open (or start) a conversation with a user
  /open <chatId>    open an existing conversation
  /close            close the current conversation
  /quit             exit
Any other line is sent to the open conversation.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Sources: cli.EnvVars("CHAT_SERVER"), Value: "http://localhost:8080"},
			&cli.StringFlag{Name: "token", Sources: cli.EnvVars("CHAT_TOKEN"), Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runChat(ctx, c.String("server"), c.String("token"), os.Stdin, os.Stdout)
		},
	}
}

func wsURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/ws"
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/ws"
	default:
		return server + "/ws"
	}
}

func runChat(ctx context.Context, server, token string, in io.Reader, out io.Writer) error {
	api := client.NewAPI(strings.TrimRight(server, "/"), token)
	me, err := api.Callback(ctx)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	fmt.Fprintf(out, "signed in as %s (%s)\n", me.Name, me.ID)

	logger := clog.Component("chatclient")
	sess := client.NewSession(me.ID, me.Name, client.ConnConfig{URL: wsURL(strings.TrimRight(server, "/")), Token: token}, logger)
	ui := &terminal{api: api, sess: sess, out: out, printed: map[string]bool{}}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(gctx) })
	g.Go(func() error {
		ui.render(gctx)
		return nil
	})
	g.Go(func() error {
		// stdin 读取无法被取消，单独起协程，连接先结束时直接返回。
		done := make(chan error, 1)
		go func() { done <- ui.readLoop(gctx, in) }()
		select {
		case err := <-done:
			cancel()
			return err
		case <-gctx.Done():
			return nil
		}
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type terminal struct {
	api     *client.API
	sess    *client.Session
	out     io.Writer
	printed map[string]bool
	lastErr string
	online  int
}

func (t *terminal) readLoop(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := t.command(ctx, line); err != nil {
			fmt.Fprintf(t.out, "! %v\n", err)
		}
	}
	return sc.Err()
}

func (t *terminal) command(ctx context.Context, line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/users":
		users, err := t.api.Users(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			state := "offline"
			if u.Online {
				state = "online"
			}
			fmt.Fprintf(t.out, "  %s  %-20s %s\n", u.ID, u.Name, state)
		}
	case "/chats":
		chats, err := t.api.Conversations(ctx)
		if err != nil {
			return err
		}
		unread := t.sess.Store().Snapshot().Unread
		for _, ch := range chats {
			names := make([]string, 0, len(ch.Participants))
			for _, p := range ch.Participants {
				names = append(names, p.Name)
			}
			mark := " "
			if unread[ch.ID] {
				mark = "*"
			}
			last := ""
			if ch.LastMessage != nil {
				last = ch.LastMessage.Text
			}
			fmt.Fprintf(t.out, "%s %s  %s  %s\n", mark, ch.ID, strings.Join(names, ", "), last)
		}
	case "/with":
		if arg == "" {
			return errors.New("usage: /with <userId>")
		}
		chat, err := t.api.With(ctx, arg)
		if err != nil {
			return err
		}
		return t.open(ctx, chat.ID)
	case "/open":
		if arg == "" {
			return errors.New("usage: /open <chatId>")
		}
		return t.open(ctx, arg)
	case "/close":
		return t.sess.Close()
	default:
		if strings.HasPrefix(cmd, "/") {
			return fmt.Errorf("unknown command %s", cmd)
		}
		open := t.sess.Store().Snapshot().Open
		if open == "" {
			return errors.New("no open conversation, use /with or /open")
		}
		if _, err := t.sess.SendIntent(open, line); err != nil {
			return err
		}
	}
	return nil
}

func (t *terminal) open(ctx context.Context, chatID string) error {
	history, err := t.api.History(ctx, chatID, 50)
	if err != nil {
		return err
	}
	t.sess.Store().LoadHistory(chatID, history)
	if err := t.sess.Open(chatID); err != nil {
		return err
	}
	fmt.Fprintf(t.out, "-- %s --\n", chatID)
	return nil
}

// render 在状态变化时打印当前会话里新确认的消息。
func (t *terminal) render(ctx context.Context) {
	changes := t.sess.Store().Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		}
		st := t.sess.Store().Snapshot()
		for _, e := range st.Messages[st.Open] {
			if e.Pending || t.printed[e.ID] {
				continue
			}
			t.printed[e.ID] = true
			fmt.Fprintf(t.out, "[%s] %s: %s\n", e.CreatedAt.Local().Format("15:04"), e.SenderName, e.Text)
		}
		for user := range st.Typing[st.Open] {
			fmt.Fprintf(t.out, "  (%s is typing)\n", user)
		}
		if st.LastError != "" && st.LastError != t.lastErr {
			t.lastErr = st.LastError
			fmt.Fprintf(t.out, "! %s\n", st.LastError)
		}
		if len(st.Online) != t.online {
			t.online = len(st.Online)
			fmt.Fprintf(t.out, "  %d online\n", t.online)
		}
	}
}
