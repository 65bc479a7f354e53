package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/longregen/parley/internal/domain"
	"github.com/longregen/parley/internal/protocol"
)

// chatCmd creates the chat command for interactive conversations
func chatCmd() *cobra.Command {
	var (
		serverURL string
		userID    string
		title     string
		withAI    bool
	)

	cmd := &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Interactive chat from the terminal",
		Long: `Connect to a running Parley server and chat from the terminal.
Provide a conversation ID to join an existing conversation, or omit it to create a new one.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := &chatClient{
				server: strings.TrimSuffix(serverURL, "/"),
				userID: userID,
				http:   &http.Client{Timeout: 10 * time.Second},
			}

			var (
				conv    *domain.Conversation
				channel string
				err     error
			)
			if len(args) > 0 {
				conv, channel, err = client.join(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Joined conversation: %s\n", conv.Title)
			} else {
				if title == "" {
					title = fmt.Sprintf("Chat %s", time.Now().Format("2006-01-02 15:04"))
				}
				conv, channel, err = client.create(ctx, title, withAI)
				if err != nil {
					return err
				}
				fmt.Printf("Started new conversation: %s\n", conv.Title)
				fmt.Printf("ID: %s\n", conv.ID)
			}

			ws, err := client.dial(ctx, channel)
			if err != nil {
				return fmt.Errorf("connect to channel: %w", err)
			}
			defer ws.Close()

			fmt.Println("\nType your message and press Enter. Type 'exit' or 'quit' to leave.")
			fmt.Println(strings.Repeat("-", 80))
			fmt.Println()

			done := make(chan struct{})
			go func() {
				defer close(done)
				printFrames(ws)
			}()

			scanner := bufio.NewScanner(os.Stdin)
			for {
				if !scanner.Scan() {
					break
				}

				input := strings.TrimSpace(scanner.Text())
				if input == "" {
					continue
				}
				if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
					fmt.Println("\nGoodbye!")
					break
				}

				out := protocol.Inbound{Type: protocol.TypeMessage, Content: input}
				if err := ws.WriteJSON(out); err != nil {
					return fmt.Errorf("send message: %w", err)
				}
			}

			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Parley server URL")
	cmd.Flags().StringVarP(&userID, "user", "u", "cli", "User ID to chat as")
	cmd.Flags().StringVarP(&title, "title", "t", "", "Title for the new conversation (only used when creating)")
	cmd.Flags().BoolVar(&withAI, "with-ai", true, "Include the AI participant when creating")

	return cmd
}

// chatClient talks to a Parley server as one user.
type chatClient struct {
	server string
	userID string
	http   *http.Client
}

// channelResponse is the lifecycle response carrying the channel endpoint.
type channelResponse struct {
	domain.Conversation
	ChannelURL string `json:"channel_url"`
}

func (c *chatClient) create(ctx context.Context, title string, withAI bool) (*domain.Conversation, string, error) {
	body, err := json.Marshal(map[string]any{
		"title":   title,
		"with_ai": withAI,
	})
	if err != nil {
		return nil, "", err
	}

	var resp channelResponse
	if err := c.post(ctx, "/api/v1/conversations", body, http.StatusCreated, &resp); err != nil {
		return nil, "", fmt.Errorf("create conversation: %w", err)
	}
	return &resp.Conversation, resp.ChannelURL, nil
}

func (c *chatClient) join(ctx context.Context, cid string) (*domain.Conversation, string, error) {
	var resp channelResponse
	err := c.post(ctx, "/api/v1/conversations/"+cid+"/join", []byte("{}"), http.StatusOK, &resp)
	if err == nil {
		return &resp.Conversation, resp.ChannelURL, nil
	}

	// Already a member: fetch the record and connect anyway.
	if strings.Contains(err.Error(), "already a member") {
		var conv struct {
			domain.Conversation
		}
		if err := c.get(ctx, "/api/v1/conversations/"+cid, &conv); err != nil {
			return nil, "", fmt.Errorf("load conversation: %w", err)
		}
		return &conv.Conversation, "/ws/conversations/" + cid, nil
	}
	return nil, "", fmt.Errorf("join conversation: %w", err)
}

func (c *chatClient) post(ctx context.Context, path string, body []byte, wantStatus int, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", c.userID)
	return c.do(req, wantStatus, out)
}

func (c *chatClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", c.userID)
	return c.do(req, http.StatusOK, out)
}

func (c *chatClient) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// dial opens the WebSocket channel for a conversation.
func (c *chatClient) dial(ctx context.Context, channel string) (*websocket.Conn, error) {
	u, err := url.Parse(c.server)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = channel

	header := http.Header{}
	header.Set("X-User-ID", c.userID)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return ws, nil
}

// printFrames renders incoming frames until the connection closes. AI
// chunks stream inline; the final message frame then just closes the
// line instead of repeating the content.
func printFrames(ws *websocket.Conn) {
	names := map[string]string{}
	streaming := false

	endStream := func() {
		if streaming {
			fmt.Println()
			streaming = false
		}
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			endStream()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				fmt.Printf("\nConnection closed: %v\n", err)
			}
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}

		switch probe.Type {
		case protocol.TypeConnected:
			var f protocol.Connected
			if json.Unmarshal(data, &f) == nil {
				fmt.Printf("Connected (mode: %s)\n", f.Mode)
			}

		case protocol.TypeParticipantList:
			var f protocol.ParticipantList
			if json.Unmarshal(data, &f) == nil {
				online := make([]string, 0, len(f.Participants))
				for _, p := range f.Participants {
					names[p.ID] = p.DisplayName
					if p.IsOnline {
						online = append(online, p.DisplayName)
					}
				}
				if len(online) > 0 {
					fmt.Printf("Online: %s\n", strings.Join(online, ", "))
				}
			}

		case protocol.TypeMessage:
			var f protocol.MessageFrame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			if streaming && f.Kind == domain.MessageKindAIResponse {
				endStream()
				continue
			}
			endStream()
			fmt.Printf("%s: %s\n", senderName(f.Sender), f.Content)

		case protocol.TypeAIChunk:
			var f protocol.AIChunk
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			if !streaming {
				name := names[f.ParticipantID]
				if name == "" {
					name = f.ParticipantID
				}
				fmt.Printf("%s: ", name)
				streaming = true
			}
			fmt.Print(f.Chunk)

		case protocol.TypeParticipantJoined, protocol.TypeParticipantLeft:
			var f protocol.ParticipantEvent
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			names[f.Participant.ID] = f.Participant.DisplayName
			endStream()
			verb := "joined"
			if probe.Type == protocol.TypeParticipantLeft {
				verb = "left"
			}
			fmt.Printf("-- %s %s (%d participants)\n", f.Participant.DisplayName, verb, f.ParticipantCount)

		case protocol.TypeModeChange:
			var f protocol.ModeChange
			if json.Unmarshal(data, &f) == nil {
				endStream()
				fmt.Printf("-- mode is now %s (input timeout %dms)\n", f.Mode, f.InputTimeout)
			}

		case protocol.TypeError:
			var f protocol.ErrorFrame
			if json.Unmarshal(data, &f) == nil {
				endStream()
				fmt.Printf("!! %s: %s\n", f.Error, f.Message)
			}
		}
	}
}

func senderName(s domain.Sender) string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}
