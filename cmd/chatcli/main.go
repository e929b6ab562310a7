package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"dmchat/backend/internal/client"
	"dmchat/backend/internal/logger"
	"dmchat/backend/internal/models"
	"dmchat/backend/internal/reconcile"
)

const usage = `Usage: chatcli <command> [args]

  register <username> <email> <password>
  login <email> <password>
  rooms
  room <user_id>                 resolve the private room with a user
  history <room_id> [page]
  chat <room_id>                 interactive; each line is sent

CHAT_URL (default http://localhost:5000) and CHAT_TOKEN configure the client.`

func main() {
	logger.Init(env("APP_ENV", "development"), env("LOG_LEVEL", "warn"))

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseURL := env("CHAT_URL", "http://localhost:5000")
	api := client.NewAPI(baseURL, os.Getenv("CHAT_TOKEN"), nil)

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "register":
		requireArgs(args, 3, "register <username> <email> <password>")
		var s *client.AuthResult
		if s, err = api.Register(ctx, args[0], args[1], args[2]); err == nil {
			fmt.Printf("user %s\nexport CHAT_TOKEN=%s\n", s.User.ID, s.Token)
		}
	case "login":
		requireArgs(args, 2, "login <email> <password>")
		var s *client.AuthResult
		if s, err = api.Login(ctx, args[0], args[1]); err == nil {
			fmt.Printf("user %s\nexport CHAT_TOKEN=%s\n", s.User.ID, s.Token)
		}
	case "rooms":
		var rooms []models.Room
		if rooms, err = api.Rooms(ctx); err == nil {
			for _, r := range rooms {
				printRoom(r)
			}
		}
	case "room":
		requireArgs(args, 1, "room <user_id>")
		var r *models.Room
		if r, err = api.ResolveRoom(ctx, args[0]); err == nil {
			printRoom(*r)
		}
	case "history":
		requireArgs(args, 1, "history <room_id> [page]")
		page := 1
		if len(args) > 1 {
			if page, err = strconv.Atoi(args[1]); err != nil {
				fmt.Println("Invalid page. Please provide an integer.")
				os.Exit(1)
			}
		}
		var msgs []models.Message
		if msgs, err = api.History(ctx, args[0], page, 0); err == nil {
			for _, m := range msgs {
				printMessage(m, false)
			}
		}
	case "chat":
		requireArgs(args, 1, "chat <room_id>")
		err = interactive(ctx, baseURL, args[0])
	default:
		fmt.Println(usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func interactive(ctx context.Context, baseURL, roomID string) error {
	session, err := client.Dial(ctx, client.Options{BaseURL: baseURL, Token: os.Getenv("CHAT_TOKEN")})
	if err != nil {
		return err
	}
	defer session.Close()

	st, err := session.Open(ctx, roomID)
	if err != nil {
		return err
	}
	render(st)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-session.Updates():
			render(st)
		case ev := <-session.Events():
			switch ev.Event {
			case models.EventUserOnline:
				fmt.Printf("* %s is online\n", ev.UserID)
			case models.EventUserOffline:
				fmt.Printf("* %s went offline\n", ev.UserID)
			case models.EventError:
				fmt.Printf("! %s\n", ev.Error)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if _, err := session.Send(sendCtx, line); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
			cancel()
		}
	}
}

// render redraws the whole view; the state is small enough for a terminal.
func render(st *reconcile.State) {
	fmt.Print("\033[H\033[2J")
	for _, e := range st.Entries() {
		printMessage(e.Message, e.Pending)
	}
}

func printRoom(r models.Room) {
	name := r.RoomName
	if name == "" {
		for _, p := range r.Participants {
			if p.User != nil {
				name += p.User.Username + " "
			}
		}
	}
	unread := ""
	if r.Unread {
		unread = " (unread)"
	}
	fmt.Printf("%s  %-8s %s%s\n", r.ID, r.RoomType, name, unread)
}

func printMessage(m models.Message, pending bool) {
	who := m.SenderID
	if m.Sender != nil {
		who = m.Sender.Username
	}
	mark := ""
	if pending {
		mark = " …"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), who, m.Content, mark)
}

func requireArgs(args []string, n int, help string) {
	if len(args) < n {
		fmt.Println("Usage: chatcli " + help)
		os.Exit(1)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
