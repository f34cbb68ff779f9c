// Command cli is a terminal client for the gateway WebSocket. It subscribes
// to one session, sends typed lines as messages and answers the agent's
// permission prompts and questions.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ignacioreyna/omni-bot/internal/domain"
	"github.com/ignacioreyna/omni-bot/internal/gateway"
)

// frame is a ServerMessage with its payload left undecoded.
type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Client represents a gateway WebSocket client.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	out       io.Writer

	writeMu sync.Mutex

	mu      sync.Mutex
	pending []domain.PendingPrompt
}

// NewClient connects to addr and authenticates with token when set.
func NewClient(addr, token, sessionID string, out io.Writer) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn, sessionID: sessionID, out: out}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) send(msg gateway.ClientMessage) error {
	msg.SessionID = c.sessionID
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Subscribe starts receiving the session's events.
func (c *Client) Subscribe() error {
	return c.send(gateway.ClientMessage{Type: gateway.TypeSubscribe})
}

// SendMessage starts a turn.
func (c *Client) SendMessage(content string, opts *gateway.TurnOptions) error {
	return c.send(gateway.ClientMessage{Type: gateway.TypeMessage, Content: content, Options: opts})
}

// Abort cancels the running turn.
func (c *Client) Abort() error {
	return c.send(gateway.ClientMessage{Type: gateway.TypeAbort})
}

// HasPending reports whether a prompt is waiting for an answer.
func (c *Client) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

func (c *Client) queue(p domain.PendingPrompt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.pending {
		if existing.ID == p.ID {
			return
		}
	}
	c.pending = append(c.pending, p)
}

func (c *Client) pop() (domain.PendingPrompt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return domain.PendingPrompt{}, false
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	return p, true
}

// Answer resolves the oldest pending prompt with the user's line.
func (c *Client) Answer(line string) error {
	p, ok := c.pop()
	if !ok {
		return errors.New("no pending prompt")
	}
	var msg gateway.ClientMessage
	if p.Kind == domain.PromptKindQuestion {
		msg = answerQuestion(p, line)
	} else {
		msg = answerPermission(p, line)
	}
	if err := c.send(msg); err != nil {
		return err
	}
	c.showNext()
	return nil
}

func (c *Client) showNext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		printPrompt(c.out, c.pending[0])
	}
}

// answerPermission maps y, a (allow similar) and anything else (deny) onto
// a permission response.
func answerPermission(p domain.PendingPrompt, line string) gateway.ClientMessage {
	msg := gateway.ClientMessage{Type: gateway.TypePermissionResponse, ID: p.ID}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		msg.Allowed = true
	case "a", "always":
		msg.Allowed = true
		msg.AllowSimilar = true
	default:
		msg.Message = "Denied from the terminal"
	}
	return msg
}

// answerQuestion reads comma separated option numbers, one group per
// question separated by ';'. An empty line cancels.
func answerQuestion(p domain.PendingPrompt, line string) gateway.ClientMessage {
	msg := gateway.ClientMessage{Type: gateway.TypeQuestionResponse, ID: p.ID}
	line = strings.TrimSpace(line)
	if line == "" {
		msg.Cancelled = true
		return msg
	}
	groups := strings.Split(line, ";")
	msg.Answers = make(map[string]string, len(p.Questions))
	for i, q := range p.Questions {
		if i >= len(groups) {
			break
		}
		var labels []string
		for _, part := range strings.Split(groups[i], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 1 || n > len(q.Options) {
				continue
			}
			labels = append(labels, q.Options[n-1].Label)
		}
		if len(labels) > 0 {
			msg.Answers[q.Question] = strings.Join(labels, ", ")
		}
	}
	return msg
}

// ReadMessages renders server frames until the connection closes.
func (c *Client) ReadMessages() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			fmt.Fprintf(c.out, "unreadable frame: %v\n", err)
			continue
		}
		if err := c.handle(f); err != nil {
			return err
		}
	}
}

func (c *Client) handle(f frame) error {
	switch f.Type {
	case gateway.TypeSubscribed:
		var d gateway.SubscribedData
		_ = json.Unmarshal(f.Data, &d)
		fmt.Fprintf(c.out, "subscribed to %s\n", f.SessionID)
		if d.IsProcessing {
			fmt.Fprintf(c.out, "(turn in progress)\n%s", d.StreamingText)
		}
		for _, p := range d.PendingPrompts {
			c.queue(p)
		}
		c.showNext()
	case gateway.TypeUserMessage:
		var m domain.Message
		_ = json.Unmarshal(f.Data, &m)
		fmt.Fprintf(c.out, "user> %s\n", m.Content)
	case gateway.TypeText:
		var text string
		_ = json.Unmarshal(f.Data, &text)
		fmt.Fprintln(c.out, text)
	case gateway.TypeTool:
		var tool domain.ToolUse
		_ = json.Unmarshal(f.Data, &tool)
		input, _ := json.Marshal(tool.Input)
		fmt.Fprintf(c.out, "[tool] %s %s\n", tool.Name, input)
	case gateway.TypeResult:
		var r domain.ResultData
		_ = json.Unmarshal(f.Data, &r)
		fmt.Fprintf(c.out, "[done] %d turns, $%.4f, %dms\n", r.NumTurns, r.TotalCostUSD, r.DurationMs)
	case gateway.TypeError:
		var e gateway.ErrorData
		_ = json.Unmarshal(f.Data, &e)
		fmt.Fprintf(c.out, "[error] %s: %s\n", e.Code, e.Message)
	case gateway.TypeAuthError:
		var e gateway.ErrorData
		_ = json.Unmarshal(f.Data, &e)
		return fmt.Errorf("authentication failed: %s", e.Message)
	case gateway.TypePermissionRequest, gateway.TypeClaudeQuestion:
		var p domain.PendingPrompt
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return nil
		}
		first := !c.HasPending()
		c.queue(p)
		if first {
			printPrompt(c.out, p)
		}
	case gateway.TypeSessionDeleted:
		fmt.Fprintln(c.out, "session deleted")
		return io.EOF
	}
	return nil
}

func printPrompt(w io.Writer, p domain.PendingPrompt) {
	if p.Kind == domain.PromptKindQuestion {
		for i, q := range p.Questions {
			fmt.Fprintf(w, "[question %d] %s\n", i+1, q.Question)
			for j, o := range q.Options {
				fmt.Fprintf(w, "  %d) %s\n", j+1, o.Label)
			}
		}
		fmt.Fprintln(w, "answer with option numbers (1,2;1), empty to cancel:")
		return
	}
	input, _ := json.Marshal(p.Input)
	fmt.Fprintf(w, "[permission] %s %s\n", p.ToolName, input)
	if p.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", p.Reason)
	}
	if p.Pattern != "" {
		fmt.Fprintf(w, "allow? [y]es / [a]lways allow %s / [n]o:\n", p.Pattern)
		return
	}
	fmt.Fprintln(w, "allow? [y]es / [n]o:")
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr     string
		token    string
		session  string
		model    string
		planMode bool
	)
	cmd := &cobra.Command{
		Use:           "cli",
		Short:         "Chat with an omni-bot session from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connecting to %s...\n", addr)
			client, err := NewClient(addr, token, session, out)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer client.Close()

			if err := client.Subscribe(); err != nil {
				return err
			}
			fmt.Fprintln(out, "Type a message and press Enter to send.")
			fmt.Fprintln(out, "Commands: /abort to cancel the turn, /quit to exit")

			var opts *gateway.TurnOptions
			if model != "" || planMode {
				opts = &gateway.TurnOptions{Model: model, PlanMode: planMode}
			}

			readErr := make(chan error, 1)
			go func() { readErr <- client.ReadMessages() }()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			defer signal.Stop(interrupt)

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			for {
				select {
				case <-interrupt:
					fmt.Fprintln(out, "\nInterrupted")
					return nil
				case err := <-readErr:
					if errors.Is(err, io.EOF) {
						return nil
					}
					return err
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if err := handleLine(client, strings.TrimSpace(line), opts); err != nil {
						if errors.Is(err, io.EOF) {
							fmt.Fprintln(out, "Bye!")
							return nil
						}
						fmt.Fprintf(out, "send error: %v\n", err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "ws://localhost:3000/ws", "gateway WebSocket address")
	cmd.Flags().StringVar(&token, "token", "", "WebSocket token (AUTH_MODE=jwt)")
	cmd.Flags().StringVar(&session, "session", "", "session id to join")
	cmd.Flags().StringVar(&model, "model", "", "model for sent messages (haiku, sonnet, opus)")
	cmd.Flags().BoolVar(&planMode, "plan", false, "send messages in plan mode")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// handleLine answers a pending prompt or sends the line as a message.
// It returns io.EOF for /quit.
func handleLine(c *Client, line string, opts *gateway.TurnOptions) error {
	if c.HasPending() {
		return c.Answer(line)
	}
	switch line {
	case "":
		return nil
	case "/quit":
		return io.EOF
	case "/abort":
		return c.Abort()
	}
	return c.SendMessage(line, opts)
}
