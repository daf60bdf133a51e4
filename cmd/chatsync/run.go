package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftlab/chatsync"
	"github.com/driftlab/chatsync/postgres"
	"github.com/driftlab/chatsync/redis"
	"github.com/driftlab/chatsync/ws"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join the configured conversation and chat from the terminal",
	Long: `Join the conversation named in the configuration and keep it in sync.

Lines typed at the prompt are sent as messages. Commands:
  /seen <message-id>   mark a message as read
  /typing on|off       toggle the typing indicator
  /who                 show presence for everyone known
  /quit                leave`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.UserID == "" || cfg.Default.Conversation == "" {
			return fmt.Errorf("user_id and conversation must be configured; see 'chatsync config set'")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		provider, closer, err := buildProvider(ctx, cfg)
		if err != nil {
			return err
		}
		defer closer()

		log := newLogger()
		sess := chatsync.NewSession(chatsync.Identity{
			UserID:         cfg.Default.UserID,
			Username:       cfg.Default.Username,
			ConversationID: cfg.Default.Conversation,
		}, provider, chatsync.WithLogger(log))
		sess.OnStateChange(func(st chatsync.SessionState) {
			fmt.Printf("-- session %s --\n", st)
		})

		if err := sess.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		defer sess.Close()

		go displayLoop(ctx, sess)

		lines := make(chan string)
		go readLines(lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if done := dispatch(sess, line); done {
					return nil
				}
			}
		}
	},
}

// buildProvider constructs the provider named in the config. The returned
// closer releases its connections.
func buildProvider(ctx context.Context, cfg *Config) (chatsync.Provider, func(), error) {
	switch cfg.Default.Provider {
	case "redis", "":
		addr := cfg.Default.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		r, err := redis.Connect(ctx, addr)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return r, func() { _ = r.Close() }, nil
	case "postgres":
		if cfg.Default.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("postgres_dsn must be configured for the postgres provider")
		}
		pg, err := postgres.Connect(ctx, cfg.Default.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return pg, func() { _ = pg.Close() }, nil
	case "ws":
		if cfg.Default.GatewayURL == "" {
			return nil, nil, fmt.Errorf("gateway_url must be configured for the ws provider")
		}
		c, err := ws.Dial(ctx, cfg.Default.GatewayURL, cfg.Default.Token)
		if err != nil {
			return nil, nil, fmt.Errorf("dial gateway: %w", err)
		}
		return c, func() { _ = c.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider %q (want redis, postgres, or ws)", cfg.Default.Provider)
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// dispatch handles one input line. It reports true when the user asked to
// leave.
func dispatch(sess *chatsync.Session, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	switch {
	case line == "/quit":
		return true
	case strings.HasPrefix(line, "/seen "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/seen "))
		if err := sess.MarkSeen(id); err != nil {
			fmt.Println("!", err)
		}
	case line == "/typing on":
		sess.SetLocalTyping(true)
	case line == "/typing off":
		sess.SetLocalTyping(false)
	case line == "/who":
		printPresence(os.Stdout, sess)
	case strings.HasPrefix(line, "/"):
		fmt.Println("! unknown command:", line)
	default:
		sess.SetLocalTyping(true)
		if _, err := sess.SendMessage(line, ""); err != nil {
			fmt.Println("!", err)
		}
	}
	return false
}

func printPresence(w io.Writer, sess *chatsync.Session) {
	records := sess.Presence()
	if len(records) == 0 {
		fmt.Fprintln(w, "nobody else seen yet")
		return
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	for _, rec := range records {
		if sess.IsOnline(rec.UserID) {
			fmt.Fprintf(w, "%s  online\n", rec.UserID)
		} else if last, ok := sess.LastSeen(rec.UserID); ok {
			fmt.Fprintf(w, "%s  last seen %s\n", rec.UserID, last.Local().Format(time.Kitchen))
		} else {
			fmt.Fprintf(w, "%s  offline\n", rec.UserID)
		}
	}
}

// displayLoop polls the session and prints newly arrived messages plus a
// typing line when it changes.
func displayLoop(ctx context.Context, sess *chatsync.Session) {
	seen := make(map[string]bool)
	lastTyping := ""
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, m := range sess.Messages() {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			printMessage(sess, m)
		}
		if line := typingLine(sess.ActiveTypers()); line != lastTyping {
			lastTyping = line
			if line != "" {
				fmt.Println(line)
			}
		}
	}
}

func printMessage(sess *chatsync.Session, m chatsync.Message) {
	who := m.Username
	if who == "" {
		who = m.SenderID
	}
	body := m.Text
	if body == "" && m.AttachmentURL != "" {
		body = "[attachment] " + m.AttachmentURL
	}
	var tags []string
	if m.ReplyToID != "" {
		tags = append(tags, "re: "+m.ReplyPreview)
	}
	if m.Pending {
		tags = append(tags, "sending")
	} else if m.SenderID != "" && m.ID != "" {
		tags = append(tags, string(sess.StatusOf(m.ID)))
	}
	suffix := ""
	if len(tags) > 0 {
		suffix = "  (" + strings.Join(tags, ", ") + ")"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.Kitchen), who, body, suffix)
}

func typingLine(typers []string) string {
	switch len(typers) {
	case 0:
		return ""
	case 1:
		return typers[0] + " is typing..."
	default:
		return strings.Join(typers, ", ") + " are typing..."
	}
}
