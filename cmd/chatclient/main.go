package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/cwrk-planet/chat-relay/internal/client"
	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/pkg/logger"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addr := flag.String("addr", "http://127.0.0.1:8080", "relay base url")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "session token (or CHAT_TOKEN)")
	debug := flag.Bool("debug", false, "debug logging on stderr")
	flag.Parse()

	logger.Init(logger.Config{
		Service: "chatclient",
		Env:     logger.EnvDev,
		Backend: logger.BackendStd,
		Debug:   *debug,
		Output:  os.Stderr,
	})

	base, err := url.Parse(*addr)
	if err != nil {
		return fmt.Errorf("bad -addr: %w", err)
	}
	wsURL := base.JoinPath("ws")
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	history := client.NewHTTPHistory(base.String(), *token, nil)
	me, err := history.Me(ctx)
	if err != nil {
		return fmt.Errorf("who am i: %w", err)
	}
	fmt.Printf("signed in as %s (#%d)\n", me.Nickname, me.ID)

	mgr := client.NewManager(client.ManagerOptions{URL: wsURL.String(), Token: *token}, logger.L())
	p := &printer{out: os.Stdout}
	sess := client.NewSession(me, mgr, history, p.render, client.SessionOptions{}, logger.L())
	if users, err := history.Users(ctx); err != nil {
		slog.Warn("user directory unavailable", logger.Err(err))
	} else {
		sess.SetDirectory(users)
	}
	mgr.OnFrame(sess.HandleFrame)
	mgr.OnState(sess.HandleState)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := mgr.Run(ctx); err != nil {
			fmt.Fprintf(os.Stdout, "! disconnected for good: %v\n", err)
			cancel()
		}
	}()

	go readCommands(ctx, os.Stdin, sess, history, cancel)

	<-ctx.Done()
	wg.Wait()
	return nil
}

func readCommands(ctx context.Context, in io.Reader, sess *client.Session, history *client.HTTPHistory, quit func()) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "/open "):
			id, err := resolvePeer(ctx, history, strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			sess.Open(id)
		case line == "/users":
			users, err := history.Users(ctx)
			if err != nil {
				fmt.Printf("! users: %v\n", err)
				continue
			}
			sess.SetDirectory(users)
			for _, u := range users {
				state := "offline"
				if u.Online {
					state = "online"
				}
				fmt.Printf("  %s (%s)\n", label(u.Identity), state)
			}
		case line == "/close":
			sess.CloseConversation()
		case line == "/who":
			sess.RequestOnline()
		case line == "/more":
			sess.LoadOlder()
		case line == "/quit":
			quit()
			return
		case strings.HasPrefix(line, "/"):
			fmt.Println("commands: /open <id|nickname>, /close, /users, /who, /more, /quit; anything else is sent")
		default:
			sess.Keystroke()
			sess.SendText(line)
		}
	}
	quit()
}

// resolvePeer accepts a numeric id or a nickname from the directory.
func resolvePeer(ctx context.Context, history *client.HTTPHistory, arg string) (domain.UserID, error) {
	if id, err := domain.ParseUserID(arg); err == nil {
		return id, nil
	}
	users, err := history.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("users: %w", err)
	}
	for _, u := range users {
		if strings.EqualFold(u.Nickname, arg) {
			return u.ID, nil
		}
	}
	return 0, fmt.Errorf("no user %q", arg)
}

// printer turns successive views into terminal lines, printing only what changed.
type printer struct {
	out io.Writer

	conn    client.ConnState
	peer    domain.UserID
	shown   map[string]domain.DeliveryStatus
	online  string
	typing  bool
	notice  string
	unread  map[domain.UserID]int
	started bool
}

func (p *printer) render(v client.View) {
	if !p.started || v.Conn != p.conn {
		fmt.Fprintf(p.out, "* connection %s\n", v.Conn)
		p.conn = v.Conn
	}
	p.started = true

	if online := nicknames(v.Online); online != p.online {
		fmt.Fprintf(p.out, "* online: %s\n", online)
		p.online = online
	}

	if v.Peer.ID != p.peer {
		p.peer = v.Peer.ID
		p.shown = map[string]domain.DeliveryStatus{}
		if v.Peer.ID != 0 {
			fmt.Fprintf(p.out, "--- conversation with %s ---\n", label(v.Peer))
		} else {
			fmt.Fprintln(p.out, "--- closed ---")
		}
	}
	if p.shown == nil {
		p.shown = map[string]domain.DeliveryStatus{}
	}
	for _, m := range v.Messages {
		prev, seen := p.shown[m.ID]
		switch {
		case !seen:
			who := "them"
			if m.Sender == v.Me.ID {
				who = "me"
			}
			fmt.Fprintf(p.out, "[%s] %s: %s (%s)\n", m.Timestamp.Local().Format("15:04:05"), who, m.Content, m.Status)
		case prev != m.Status && m.Sender == v.Me.ID:
			fmt.Fprintf(p.out, "  %s -> %s\n", short(m.ID), m.Status)
		}
		p.shown[m.ID] = m.Status
	}

	if v.PeerTyping != p.typing {
		if v.PeerTyping {
			fmt.Fprintf(p.out, "  %s is typing...\n", label(v.Peer))
		}
		p.typing = v.PeerTyping
	}
	for id, n := range v.Unread {
		if p.unread[id] != n {
			fmt.Fprintf(p.out, "* %d unread from %s\n", n, label(lookup(v.Directory, id)))
		}
	}
	p.unread = v.Unread
	if v.Notice != "" && v.Notice != p.notice {
		fmt.Fprintf(p.out, "! %s\n", v.Notice)
	}
	p.notice = v.Notice
}

func nicknames(ids []domain.Identity) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, label(id))
	}
	return strings.Join(parts, ", ")
}

func lookup(dir []domain.DirectoryEntry, id domain.UserID) domain.Identity {
	for _, e := range dir {
		if e.ID == id {
			return e.Identity
		}
	}
	return domain.Identity{ID: id}
}

func label(id domain.Identity) string {
	if id.Nickname == "" {
		return "#" + id.ID.String()
	}
	return fmt.Sprintf("%s#%d", id.Nickname, id.ID)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
