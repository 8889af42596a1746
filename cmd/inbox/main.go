package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/tullo/inbox/config"
	"github.com/tullo/inbox/internal/client"
	"github.com/tullo/inbox/internal/poller"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", "err", err)
	}

	app := &cli.Command{
		Name:  "inbox",
		Usage: "Private conversations from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api",
				Sources: cli.EnvVars("API_BASE_URL"),
				Value:   cfg.Client.BaseURL,
				Usage:   "server base URL",
			},
			&cli.StringFlag{
				Name:    "token",
				Sources: cli.EnvVars("API_TOKEN"),
				Value:   cfg.Client.Token,
				Usage:   "bearer token (see migrate seed-user)",
			},
		},
		Commands: []*cli.Command{
			watchCommand(cfg),
			requestsCommand(),
			requestCommand(),
			respondCommand(),
			sendCommand(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(cmd *cli.Command) (*client.Client, error) {
	token := cmd.String("token")
	if token == "" {
		return nil, errors.New("an API token is required (--token or API_TOKEN)")
	}
	return client.New(cmd.String("api"), token)
}

func idArg(cmd *cli.Command, i int, what string) (int64, error) {
	id, err := strconv.ParseInt(cmd.Args().Get(i), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("expected a %s id, got %q", what, cmd.Args().Get(i))
	}
	return id, nil
}

func watchCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Poll and display conversations; type commands on stdin",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Value: cfg.Poll.Interval, Usage: "poll interval"},
			&cli.DurationFlag{Name: "timeout", Value: cfg.Poll.Timeout, Usage: "per-fetch timeout"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			api, err := newClient(cmd)
			if err != nil {
				return err
			}

			p := poller.New(api, &terminal{out: os.Stdout}, poller.Config{
				Interval: cmd.Duration("interval"),
				Timeout:  cmd.Duration("timeout"),
				Logger:   log.Default(),
			})

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return p.Run(gctx) })
			g.Go(func() error {
				defer cancel()
				return interact(gctx, os.Stdin, p, api)
			})
			return g.Wait()
		},
	}
}

const watchHelp = "commands: open <id> | close | send <text> | tab conversations|requests | accept <id> | deny <id> | dismiss | quit"

// interact reads one command per line until EOF or quit.
func interact(ctx context.Context, in io.Reader, p *poller.Poller, api *client.Client) error {
	fmt.Println(watchHelp)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "":
		case "quit", "exit":
			return nil
		case "open":
			if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
				_ = p.Open(ctx, id)
			}
		case "close":
			p.Close()
		case "send":
			v := p.View()
			if v.OpenID == 0 {
				fmt.Println("open a conversation first")
				continue
			}
			if _, err := api.Send(ctx, v.OpenID, rest); err != nil {
				fmt.Println(err)
				continue
			}
			p.Tick(ctx)
		case "tab":
			tab := poller.TabConversations
			if rest == "requests" {
				tab = poller.TabRequests
			}
			p.SetTab(ctx, tab)
		case "accept", "deny":
			id, err := strconv.ParseInt(rest, 10, 64)
			if err != nil {
				fmt.Println(watchHelp)
				continue
			}
			resp, err := api.Respond(ctx, id, verb)
			if err != nil {
				fmt.Println(err)
				continue
			}
			p.SetTab(ctx, p.View().Tab)
			if resp.Conversation != nil {
				_ = p.Open(ctx, resp.Conversation.ID)
			}
		case "dismiss":
			p.Dismiss()
		default:
			fmt.Println(watchHelp)
		}
	}
}

func requestsCommand() *cli.Command {
	return &cli.Command{
		Name:  "requests",
		Usage: "List received and sent conversation requests",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			api, err := newClient(cmd)
			if err != nil {
				return err
			}
			list, err := api.Requests(ctx)
			if err != nil {
				return err
			}
			fmt.Println(renderView(poller.View{Tab: poller.TabRequests, Requests: list}))
			return nil
		},
	}
}

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "Ask a user (by alias) to open a conversation",
		ArgsUsage: "<alias> [message]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return errors.New("missing recipient alias")
			}
			api, err := newClient(cmd)
			if err != nil {
				return err
			}
			message := strings.Join(cmd.Args().Tail(), " ")
			req, err := api.CreateRequest(ctx, cmd.Args().First(), message)
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.ConversationID != nil {
					return fmt.Errorf("%s: conversation #%d", apiErr.Message, *apiErr.ConversationID)
				}
				return err
			}
			fmt.Printf("request #%d sent (%s)\n", req.ID, req.Status)
			return nil
		},
	}
}

func respondCommand() *cli.Command {
	return &cli.Command{
		Name:      "respond",
		Usage:     "Accept or deny a received request",
		ArgsUsage: "<request id> accept|deny",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := idArg(cmd, 0, "request")
			if err != nil {
				return err
			}
			action := cmd.Args().Get(1)
			if action != "accept" && action != "deny" {
				return fmt.Errorf("action must be accept or deny, got %q", action)
			}
			api, err := newClient(cmd)
			if err != nil {
				return err
			}
			resp, err := api.Respond(ctx, id, action)
			if err != nil {
				return err
			}
			fmt.Printf("request #%d %s\n", resp.Request.ID, resp.Request.Status)
			if resp.Conversation != nil {
				fmt.Printf("conversation #%d with %s\n", resp.Conversation.ID, resp.Conversation.OtherUser.DisplayName)
			}
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a message to a conversation",
		ArgsUsage: "<conversation id> <text...>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := idArg(cmd, 0, "conversation")
			if err != nil {
				return err
			}
			api, err := newClient(cmd)
			if err != nil {
				return err
			}
			msg, err := api.Send(ctx, id, strings.Join(cmd.Args().Tail(), " "))
			if err != nil {
				return err
			}
			fmt.Printf("message #%d sent\n", msg.ID)
			return nil
		},
	}
}
