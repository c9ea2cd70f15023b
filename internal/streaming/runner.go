package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentmesh/chatgateway/internal/logger"
	"github.com/agentmesh/chatgateway/internal/store"
)

const (
	// maxErrorBodyBytes bounds how much of a non-200 upstream body is
	// echoed back verbatim in the error detail.
	maxErrorBodyBytes = 4096

	// readChunkSize is the size of each raw Read off the upstream body.
	readChunkSize = 32 * 1024
)

// RunParams carries everything the Stream Runner needs to assemble the
// upstream request; the history and chat meta_info are loaded fresh by the
// Runner itself per §4.3 step 1.
type RunParams struct {
	ChatID       string
	UserID       string
	Model        string
	EnabledTools map[string]bool
	MCPServers   []string
}

// Runner drives one Agent Transport call for one Stream State: it loads
// context from the Message Store, issues the upstream POST, and translates
// the newline-framed wire format into State operations.
type Runner struct {
	store      store.Store
	httpClient *http.Client
	agentURL   string
	log        *logger.Logger
}

func NewRunner(st store.Store, agentURL string, readTimeout time.Duration, log *logger.Logger) *Runner {
	return &Runner{
		store:      st,
		agentURL:   agentURL,
		httpClient: &http.Client{Timeout: readTimeout},
		log:        log,
	}
}

// Run executes the full runner algorithm against state. It is meant to be
// launched in its own goroutine by the caller (the Session Dispatcher); ctx
// is cancelled by State.Cancel via the runner_handle passed to
// Registry.Create.
func (r *Runner) Run(ctx context.Context, state *State, params RunParams) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in stream runner",
				slog.Any("panic", rec), slog.String("stream_id", state.StreamID()))
			state.MarkError(fmt.Sprintf("internal panic: %v", rec))
		}
	}()

	history, err := r.store.LoadHistory(ctx, params.ChatID)
	if err != nil {
		state.MarkError("failed to load history: " + err.Error())
		return
	}
	metaInfo, err := r.store.LoadMetaInfo(ctx, params.ChatID)
	if err != nil {
		state.MarkError("failed to load chat meta_info: " + err.Error())
		return
	}

	body, err := buildUpstreamRequest(history, metaInfo, params)
	if err != nil {
		state.MarkError("failed to build upstream request: " + err.Error())
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.agentURL, bytes.NewReader(body))
	if err != nil {
		state.MarkError("failed to construct upstream request: " + err.Error())
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if state.IsCancelled() {
			r.finishCancelled(state)
			return
		}
		state.MarkError("upstream transport error: " + err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		state.MarkError(fmt.Sprintf("upstream returned HTTP %d: %s", resp.StatusCode, string(errBody)))
		return
	}

	chunkReceived, stopped := r.consume(ctx, state, params.ChatID, resp.Body)

	if state.IsCancelled() {
		r.finishCancelled(state)
		return
	}

	_ = stopped // stop is implicit in loop exit; both EOF and explicit stop reach here uniformly
	r.finishCompleted(state, chunkReceived)
}

// consume reads resp.Body in arbitrary-sized chunks, maintains a rolling
// byte buffer, and splits only on '\n' so that multi-byte UTF-8 spanning a
// read boundary is never decoded prematurely. It returns whether any
// content chunk was appended and whether the loop ended via an explicit
// stop signal (finish_reason=="stop" or "[DONE]").
func (r *Runner) consume(ctx context.Context, state *State, chatID string, body io.Reader) (chunkReceived bool, stopped bool) {
	var buf []byte
	readBuf := make([]byte, readChunkSize)

	for {
		if state.IsCancelled() {
			return chunkReceived, stopped
		}

		n, readErr := body.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := string(buf[:idx])
				buf = buf[idx+1:]

				if state.IsCancelled() {
					return chunkReceived, stopped
				}

				stop, lineErr := r.handleLine(ctx, state, chatID, line, &chunkReceived)
				if lineErr != nil {
					state.MarkError(lineErr.Error())
					return chunkReceived, stopped
				}
				if stop {
					return chunkReceived, true
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return chunkReceived, stopped
			}
			if !state.IsCancelled() {
				state.MarkError("upstream transport error: " + readErr.Error())
			}
			return chunkReceived, stopped
		}
	}
}

// handleLine decodes one complete wire line and applies it to state. It
// returns stop=true on a finish_reason=="stop" delta or an explicit
// "data: [DONE]" sentinel (the two are equivalent per the wire contract),
// and a non-nil error only for a terminal decode or upstream-reported
// error, which the caller turns into mark_error.
func (r *Runner) handleLine(ctx context.Context, state *State, chatID, line string, chunkReceived *bool) (stop bool, err error) {
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
		return false, nil
	}

	if rest, ok := cutPrefix(line, "info:"); ok {
		info := strings.TrimSpace(rest)
		state.AppendMeta(info)
		if persistErr := r.store.AppendChatMetaInfo(ctx, chatID, info); persistErr != nil {
			r.log.Warn("failed to persist chat meta_info",
				slog.String("chat_id", chatID), slog.String("error", persistErr.Error()))
		}
		return false, nil
	}

	rest, ok := cutPrefix(line, "data:")
	if !ok {
		return false, nil
	}
	payload := strings.TrimSpace(rest)

	if payload == "[DONE]" {
		return true, nil
	}

	var obj map[string]json.RawMessage
	if decodeErr := json.Unmarshal([]byte(payload), &obj); decodeErr != nil {
		return false, fmt.Errorf("malformed upstream payload: %w", decodeErr)
	}

	if rawErr, ok := obj["error"]; ok {
		var upstreamErr struct {
			Message string `json:"message"`
		}
		if decodeErr := json.Unmarshal(rawErr, &upstreamErr); decodeErr != nil {
			return false, fmt.Errorf("malformed upstream error payload: %w", decodeErr)
		}
		return false, fmt.Errorf("upstream error: %s", upstreamErr.Message)
	}

	if usage := extractTokenUsage(obj); usage != nil {
		state.SetTokenUsage(*usage)
	}

	rawChoices, ok := obj["choices"]
	if !ok {
		return false, nil
	}
	var choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}
	if decodeErr := json.Unmarshal(rawChoices, &choices); decodeErr != nil {
		return false, fmt.Errorf("malformed choices payload: %w", decodeErr)
	}
	if len(choices) == 0 {
		return false, nil
	}

	choice := choices[0]
	if choice.Delta.Content != "" {
		state.AppendChunk(choice.Delta.Content)
		*chunkReceived = true
	}
	if choice.FinishReason != nil && *choice.FinishReason == "stop" {
		return true, nil
	}

	return false, nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// finishCompleted persists the final transcript (if any content arrived)
// and marks the stream Completed. A PersistError here is logged only: the
// terminal status never depends on this write succeeding.
func (r *Runner) finishCompleted(state *State, chunkReceived bool) {
	if chunkReceived {
		content := state.Content()
		r.store.AppendAssistantMessageAsync(state.ChatID(), content, false)
		if err := r.store.UpdateChatActivity(context.Background(), state.ChatID()); err != nil {
			r.log.Warn("failed to bump chat activity", slog.String("chat_id", state.ChatID()), slog.String("error", err.Error()))
		}
	}
	state.MarkComplete()
}

// finishCancelled persists whatever partial content exists (as a plain
// assistant message, matching the source's behavior) and marks the stream
// Cancelled. A cancel is a user outcome, not a failure.
func (r *Runner) finishCancelled(state *State) {
	content := state.Content()
	if content != "" {
		r.store.AppendAssistantMessageAsync(state.ChatID(), content, false)
	}
	state.MarkCancelled()
}

func extractTokenUsage(obj map[string]json.RawMessage) *TokenUsage {
	raw, ok := obj["usage"]
	if !ok {
		return nil
	}
	var usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	if err := json.Unmarshal(raw, &usage); err != nil {
		return nil
	}
	return &TokenUsage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
}

func buildUpstreamRequest(history []store.Message, metaInfo string, params RunParams) ([]byte, error) {
	messages := make([]map[string]string, 0, len(history))
	for _, m := range history {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	body := map[string]interface{}{
		"messages":      messages,
		"stream":        true,
		"meta_info":     metaInfo,
		"user_id":       params.UserID,
		"mcp_servers":   params.MCPServers,
		"enabled_tools": params.EnabledTools,
		"model":         params.Model,
	}

	return json.Marshal(body)
}
