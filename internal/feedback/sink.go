package feedback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"fuzzci/internal/utils"
)

// Level is the severity of a message sent to a Sink.
type Level int

const (
	LevelInfo Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "error"
	}
	return "info"
}

// Sink delivers human readable messages about a run.
type Sink interface {
	Send(ctx context.Context, level Level, text string) error
}

// LoggerSink writes messages to the log.
type LoggerSink struct {
	Description string
	Log         zerolog.Logger
}

func (s LoggerSink) Send(_ context.Context, level Level, text string) error {
	ev := s.Log.Info()
	if level == LevelError {
		ev = s.Log.Error()
	}
	ev.Str("run", s.Description).Msg(text)
	return nil
}

const (
	DefaultChatAPIURL = "https://slack.com/api/chat.postMessage"
	maxChatMessage    = 3500
)

// ChatSink posts messages to a chat channel through the chat.postMessage
// web API.
type ChatSink struct {
	Description string
	Channel     string
	Token       string
	// ErrorsOnly drops info messages.
	ErrorsOnly bool
	APIURL     string
	Client     *http.Client
	Log        zerolog.Logger
}

type chatMessage struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type chatResponse struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *ChatSink) Send(ctx context.Context, level Level, text string) error {
	if s.ErrorsOnly && level != LevelError {
		s.Log.Trace().Str("text", text).Msg("suppressed info message")
		return nil
	}
	if level == LevelError {
		text = ":warning: " + text
	}
	if s.Description != "" {
		text = s.Description + "\n" + text
	}
	text = utils.SafeTruncate(utils.SanitizeOutput(text), maxChatMessage)

	body, err := json.Marshal(chatMessage{Channel: s.Channel, Text: text})
	if err != nil {
		return err
	}
	apiURL := s.APIURL
	if apiURL == "" {
		apiURL = DefaultChatAPIURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.Token)

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	s.Log.Trace().Str("text", text).Msg("sending to chat")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post message: http %d: %s", resp.StatusCode, utils.SafeTruncate(string(data), 200))
	}
	var r chatResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("decode chat response: %w", err)
	}
	if !r.OK {
		if r.Error == "" {
			r.Error = "unknown error"
		}
		return fmt.Errorf("post message: %s", r.Error)
	}
	if r.Warning != "" && r.Warning != "missing_charset" {
		s.Log.Warn().Str("warning", r.Warning).Msg("posting message")
	}
	return nil
}
