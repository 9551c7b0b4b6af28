// Command chat is a minimal terminal client for the group chat: it opens a
// session, prints incoming messages and sends every typed line. Intended for
// poking at a running chatserver, not as a real UI.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/campuschat/internal/chat"
	"github.com/campuschat/internal/config"
	"github.com/campuschat/internal/logger"
	"github.com/campuschat/internal/refparse"
	"github.com/campuschat/internal/rest"
)

func main() {
	logger.SetPrefix("chat")
	cfg := config.Load()

	cc := cfg.Client
	if cc.Token == "" {
		cc.Token = fmt.Sprintf("%d:%s", cc.Self.ID, cc.Self.Name)
	}
	if cc.Self.ID == 0 || cc.Self.Name == "" {
		fmt.Fprintln(os.Stderr, "set client.self in the config (or CHAT_SELF_ID / CHAT_SELF_NAME)")
		os.Exit(1)
	}

	self := chat.Identity{ID: cc.Self.ID, Name: cc.Self.Name, Avatar: cc.Self.Avatar}
	api := rest.NewClient(cc.APIBaseURL, cc.Token)

	var session *chat.Session
	events := chat.Events{
		OnLogChanged: func() {
			log := session.Log()
			if len(log) == 0 {
				return
			}
			m := log[len(log)-1]
			fmt.Printf("[%s] %s: %s (%s)\n",
				m.CreatedAt.Local().Format("15:04:05"), m.SenderName, m.Body, m.Status)
		},
		OnConnected: func(up bool) {
			if up {
				fmt.Println("* connected")
			} else {
				fmt.Println("* connection lost")
			}
		},
		OnPresenceChanged: func() {
			fmt.Printf("* %d online\n", session.Presence().Count())
		},
		OnTypingChanged: func() {
			if label := session.TypingLabel(); label != "" {
				fmt.Println("* " + label)
			}
		},
		OnSuggestions: func(kind refparse.Kind, query string, items []rest.Candidate) {
			names := make([]string, 0, len(items))
			for _, it := range items {
				switch kind {
				case refparse.KindMention:
					names = append(names, it.Name)
				case refparse.KindMaterial:
					names = append(names, it.Title)
				default:
					names = append(names, it.Topic)
				}
			}
			fmt.Printf("* %s %q: %s\n", kind, query, strings.Join(names, ", "))
		},
	}
	session = chat.NewSession(cc.WSBaseURL, api, self, events)
	defer session.Close()

	if err := session.Open(context.Background(), cc.GroupID, cc.Token); err != nil {
		logger.Errorf("open group %d: %v", cc.GroupID, err)
		os.Exit(1)
	}
	fmt.Printf("joined group %d as %s; type a message, /who, /log or /quit\n", cc.GroupID, cc.Self.Name)

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/who":
			for _, id := range session.Presence().Members() {
				fmt.Printf("  member %d\n", id)
			}
		case line == "/log":
			for _, m := range session.Log() {
				fmt.Printf("  [%s] %s: %s (%s)\n",
					m.CreatedAt.Local().Format("15:04:05"), m.SenderName, m.Body, m.Status)
			}
		default:
			// Line-based input: report the finished text once so mention,
			// material and topic autocomplete can be exercised from the shell.
			session.UpdateComposer(line, len(line))
			if _, err := session.SendMessage(line, nil); err != nil {
				fmt.Println("* send failed:", err)
			}
		}
	}
}
