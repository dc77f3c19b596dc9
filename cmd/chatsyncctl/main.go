package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/state"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	waitFlag := flag.Bool("wait", false, "send: wait for the server to confirm")
	flag.Parse()

	profileName := session.Resolve(*profileFlag)
	if err := session.ValidateName(profileName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Commands that work without a running daemon.
	switch args[0] {
	case "profiles":
		if len(args) >= 2 && args[1] == "list" {
			cmdProfilesList(*jsonFlag)
			return
		}
		if len(args) >= 3 && args[1] == "init" {
			cmdProfileInit(profileName, args[2:])
			return
		}
		fatalf("usage: chatsyncctl profiles <list|init <user_id> [server_url] [ws_url]>")
	}

	socketPath := session.SocketPath(profileName)
	c, err := api.Dial(socketPath)
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", profileName, err)
	}
	defer func() { _ = c.Close() }()

	// Streams run until interrupted.
	switch args[0] {
	case "watch":
		cmdWatch(c, *jsonFlag)
		return
	case "events":
		cmdEvents(c)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, profileName, *jsonFlag)
	case "snapshot":
		snap, err := c.Snapshot(ctx)
		check(err)
		outputJSON(snap)
	case "conversations":
		cmdConversations(ctx, c, *jsonFlag)
	case "messages":
		need(args, 2, "messages <conversation_id>")
		cmdMessages(ctx, c, args[1], *jsonFlag)
	case "send":
		need(args, 3, "send <conversation_id> <text>")
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), *waitFlag, *jsonFlag)
	case "read":
		need(args, 2, "read <message_id>")
		check(c.MarkAsRead(ctx, args[1]))
	case "select":
		need(args, 2, "select <conversation_id>")
		check(c.SelectConversation(ctx, args[1]))
	case "more":
		need(args, 2, "more <conversation_id>")
		added, err := c.LoadMore(ctx, args[1])
		check(err)
		fmt.Printf("Loaded %d older messages\n", added)
	case "typing":
		need(args, 3, "typing <conversation_id> <on|off>")
		check(c.SetTyping(ctx, args[1], args[2] == "on"))
	case "connect":
		check(c.Connect(ctx))
	case "disconnect":
		check(c.Disconnect(ctx))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--profile <name>] [--json] [--wait] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show daemon and connection status")
	fmt.Fprintln(os.Stderr, "  snapshot                    Print the full state as JSON")
	fmt.Fprintln(os.Stderr, "  conversations               List conversations with unread counts")
	fmt.Fprintln(os.Stderr, "  messages <conv>             List loaded messages of a conversation")
	fmt.Fprintln(os.Stderr, "  send <conv> <text>          Send a message")
	fmt.Fprintln(os.Stderr, "  read <msg>                  Mark a message read")
	fmt.Fprintln(os.Stderr, "  select <conv>               Open a conversation and mark it read")
	fmt.Fprintln(os.Stderr, "  more <conv>                 Load older messages")
	fmt.Fprintln(os.Stderr, "  typing <conv> <on|off>      Start or stop the typing indicator")
	fmt.Fprintln(os.Stderr, "  connect | disconnect        Open or close the real-time connection")
	fmt.Fprintln(os.Stderr, "  watch                       Stream state changes")
	fmt.Fprintln(os.Stderr, "  events                      Stream operational events as JSON lines")
	fmt.Fprintln(os.Stderr, "  profiles list               List known profiles")
	fmt.Fprintln(os.Stderr, "  profiles init <user> [url]  Write a profile for the selected name")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: chatsyncctl %s", usage)
	}
}

func cmdStatus(ctx context.Context, c *api.Client, profileName string, jsonOut bool) {
	snap, err := c.Snapshot(ctx)
	check(err)
	pid := lock.Owner(session.Dir(profileName))
	if jsonOut {
		outputJSON(map[string]any{
			"profile":       profileName,
			"pid":           pid,
			"self":          snap.Self,
			"connection":    snap.Connection,
			"conversations": len(snap.Conversations),
			"totalUnread":   snap.TotalUnread,
			"error":         snap.Error,
		})
		return
	}
	fmt.Printf("Profile:       %s (pid %d)\n", profileName, pid)
	fmt.Printf("User:          %s\n", snap.Self)
	fmt.Printf("Connection:    %s (attempts %d)\n", snap.Connection.State, snap.Connection.Attempts)
	fmt.Printf("Conversations: %d\n", len(snap.Conversations))
	fmt.Printf("Unread:        %d\n", snap.TotalUnread)
	if snap.Error != "" {
		fmt.Printf("Error:         %s\n", snap.Error)
	}
}

func cmdConversations(ctx context.Context, c *api.Client, jsonOut bool) {
	snap, err := c.Snapshot(ctx)
	check(err)
	if jsonOut {
		outputJSON(snap.Conversations)
		return
	}
	if len(snap.Conversations) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, conv := range snap.Conversations {
		name := conv.Name
		if name == "" {
			name = strings.Join(conv.Participants, ", ")
		}
		marker := " "
		if conv.ID == snap.CurrentConversationID {
			marker = "*"
		}
		fmt.Printf("%s %-36s %-30s %3d unread\n", marker, conv.ID, name, conv.UnreadCount)
	}
}

func cmdMessages(ctx context.Context, c *api.Client, conversationID string, jsonOut bool) {
	snap, err := c.Snapshot(ctx)
	check(err)
	msgs := snap.Messages[conversationID]
	if jsonOut {
		outputJSON(msgs)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No messages loaded. Try: chatsyncctl select " + conversationID)
		return
	}
	for _, m := range msgs {
		printMessage(m)
	}
	if snap.HasMore[conversationID] {
		fmt.Println("(older messages available: chatsyncctl more " + conversationID + ")")
	}
}

func printMessage(m state.Message) {
	fmt.Printf("%s  %-12s %-9s %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Status, m.Content)
}

func cmdSend(ctx context.Context, c *api.Client, conversationID, text string, wait, jsonOut bool) {
	m, err := c.SendMessage(ctx, conversationID, text, wait)
	check(err)
	if jsonOut {
		outputJSON(m)
		return
	}
	if wait {
		fmt.Printf("Sent %s (%s)\n", m.ID, m.Status)
		return
	}
	fmt.Printf("Queued %s\n", m.ID)
}

func cmdWatch(c *api.Client, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.Watch(ctx, func(s state.State) bool {
		if jsonOut {
			data, _ := json.Marshal(s)
			fmt.Println(string(data))
			return true
		}
		typing := 0
		for _, users := range s.TypingUsers {
			typing += len(users)
		}
		fmt.Printf("v%-6d %-12s conversations=%d unread=%d typing=%d loading=%v",
			s.Version, s.Connection.State, len(s.Conversations), s.TotalUnread, typing, s.IsLoading)
		if s.Error != "" {
			fmt.Printf(" error=%q", s.Error)
		}
		fmt.Println()
		return true
	})
	if err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
}

func cmdEvents(c *api.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.WatchEvents(ctx, func(evt map[string]any) bool {
		data, _ := json.Marshal(evt)
		fmt.Println(string(data))
		return true
	})
	if err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
}

func cmdProfilesList(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(session.BaseDir(), "profiles"))
	if err != nil && !os.IsNotExist(err) {
		fatalf("%v", err)
	}
	type profileInfo struct {
		Name   string `json:"name"`
		Path   string `json:"path"`
		UserID string `json:"userId"`
		PID    int    `json:"pid"`
	}
	var out []profileInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info := profileInfo{Name: e.Name(), Path: session.Dir(e.Name()), PID: lock.Owner(session.Dir(e.Name()))}
		if prof, err := config.LoadProfile(session.ProfilePath(e.Name())); err == nil {
			info.UserID = prof.UserID
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	if jsonOut {
		outputJSON(out)
		return
	}
	if len(out) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, p := range out {
		running := "stopped"
		if p.PID != 0 {
			running = fmt.Sprintf("running, pid %d", p.PID)
		}
		fmt.Printf("%-20s %-16s %s (%s)\n", p.Name, p.UserID, p.Path, running)
	}
}

func cmdProfileInit(profileName string, args []string) {
	path := session.ProfilePath(profileName)
	if _, err := os.Stat(path); err == nil {
		fatalf("profile %s already exists at %s", profileName, path)
	}
	prof := config.Default()
	prof.UserID = args[0]
	if len(args) >= 2 {
		prof.ServerURL = args[1]
	}
	if len(args) >= 3 {
		prof.WSURL = args[2]
	}
	check(prof.Validate())
	check(session.EnsureDir(profileName))
	check(config.SaveProfile(path, prof))
	fmt.Printf("Wrote %s\n", path)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
