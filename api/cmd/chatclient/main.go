// chatclient is a terminal client for admission chat channels. It keeps one websocket open
// through client.Manager, so it rides out server restarts and rejoins its rooms.
//
//	chatclient --url ws://localhost:8080/ws --token $TOKEN --room <admission-id>
//
// Lines typed on stdin go to the current room. Commands:
//
//	/join <id>   join a room and make it current
//	/leave <id>  leave a room
//	/status      print the connection state
//	/quit        disconnect and exit
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/client"
	rt "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/realtime"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	var (
		url     string
		token   string
		rooms   []string
		verbose bool
		base    time.Duration
		ceiling time.Duration
	)
	flagSet := pflag.NewFlagSet("chatclient", pflag.ContinueOnError)
	flagSet.StringVar(&url, "url", "ws://localhost:8080/ws", "websocket endpoint")
	flagSet.StringVar(&token, "token", os.Getenv("INVITE_TOKEN"), "bearer token (default $INVITE_TOKEN)")
	flagSet.StringSliceVar(&rooms, "room", nil, "room (admission id) to join; repeatable")
	flagSet.DurationVar(&base, "backoff-base", client.DefaultBaseDelay, "first reconnect delay")
	flagSet.DurationVar(&ceiling, "backoff-max", client.DefaultMaxDelay, "reconnect delay ceiling")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log connection details to stderr")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if strings.TrimSpace(token) == "" {
		return errors.New("a token is required (--token or INVITE_TOKEN)")
	}

	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger().Level(level)

	m := client.NewManager(client.Options{
		Transport: &client.WebsocketTransport{URL: url},
		Token:     func() string { return token },
		BaseDelay: base,
		MaxDelay:  ceiling,
		Logger:    log,
	})
	defer m.Close()

	m.OnStateChange(func(from, to client.State) {
		fmt.Fprintf(out, "* %s\n", to)
	})
	m.OnCountdown(func(left time.Duration) {
		if left > 0 {
			fmt.Fprintf(out, "* reconnecting in %s\n", left.Round(time.Second))
		}
	})
	m.Subscribe("", func(f rt.Frame) { printFrame(out, f) })

	current := ""
	for _, r := range rooms {
		m.JoinRoom(r)
		current = r
	}
	if err := m.Connect(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			m.Disconnect()
			return nil
		case line, ok := <-lines:
			if !ok {
				m.Disconnect()
				return nil
			}
			quit, err := handleLine(m, &current, strings.TrimSpace(line), out)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				m.Disconnect()
				return nil
			}
		}
	}
}

// lineSender is the part of the Manager the prompt uses.
type lineSender interface {
	JoinRoom(channelID string)
	LeaveRoom(channelID string)
	Send(channelID, content string) error
	State() client.State
	Countdown() time.Duration
}

func handleLine(m lineSender, current *string, line string, out io.Writer) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		if *current == "" {
			return false, errors.New("join a room first: /join <id>")
		}
		if err := m.Send(*current, line); errors.Is(err, client.ErrNotConnected) {
			return false, fmt.Errorf("not connected (%s); message not sent", m.State())
		} else if err != nil {
			return false, err
		}
		return false, nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true, nil
	case "/status":
		fmt.Fprintf(out, "* %s", m.State())
		if left := m.Countdown(); left > 0 {
			fmt.Fprintf(out, " (retry in %s)", left.Round(time.Second))
		}
		fmt.Fprintln(out)
	case "/join":
		if arg == "" {
			return false, errors.New("usage: /join <id>")
		}
		m.JoinRoom(arg)
		*current = arg
	case "/leave":
		if arg == "" {
			arg = *current
		}
		m.LeaveRoom(arg)
		if arg == *current {
			*current = ""
		}
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	return false, nil
}

func printFrame(out io.Writer, f rt.Frame) {
	switch f.Type {
	case rt.TypeMessage:
		var d rt.MessageData
		if err := f.Decode(&d); err == nil {
			fmt.Fprintf(out, "[%s] %s: %s\n", short(d.ChannelID), short(d.SenderID), d.Content)
			return
		}
	case rt.TypeTyping:
		var d rt.TypingData
		if err := f.Decode(&d); err == nil {
			fmt.Fprintf(out, "[%s] %s is typing\n", short(d.ChannelID), short(d.ActorID))
			return
		}
	case rt.TypeStatusChanged:
		var d rt.StatusChangedData
		if err := f.Decode(&d); err == nil {
			fmt.Fprintf(out, "[%s] request %s\n", short(d.ChannelID), d.NewStatus)
			return
		}
	case rt.TypeError:
		var d rt.ErrorData
		if err := f.Decode(&d); err == nil {
			fmt.Fprintf(out, "! %s: %s\n", d.Code, d.Message)
			return
		}
	case rt.TypeTypingStopped, rt.TypeReady:
		return
	}
	raw, _ := json.Marshal(f)
	fmt.Fprintf(out, "%s\n", raw)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
