package stage2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fraudcore/engine/internal/model"
)

// ChatMessage is one turn in the reasoner conversation.
type ChatMessage struct {
	Role    string // "user", "assistant", or "tool"
	Content string
}

// Reasoner is the LLM chat contract the Stage-2 loop drives. Grounded on
// conflicts.Validator's single-purpose Validate interface, generalized to
// a multi-turn chat so the tool-calling loop in analyzer.go can append
// tool results and re-prompt.
type Reasoner interface {
	Chat(ctx context.Context, messages []ChatMessage) (string, error)
}

// reasonerPerCallTimeout bounds a single chat call; the overall tool-call
// loop is additionally bounded by the caller's STAGE2_TIMEOUT_MS context.
const reasonerPerCallTimeout = 30 * time.Second

// OllamaReasoner drives the Stage-2 tool-reasoner over Ollama's chat API.
// Grounded on conflicts.OllamaValidator: same request/response shapes and
// keep_alive handling, generalized from a single-shot classification call
// to a multi-message conversation.
type OllamaReasoner struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaReasoner constructs a reasoner against an Ollama-compatible chat endpoint.
func NewOllamaReasoner(baseURL, model string) *OllamaReasoner {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaReasoner{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: reasonerPerCallTimeout + 5*time.Second,
		},
	}
}

type ollamaChatRequest struct {
	Model     string              `json:"model"`
	Messages  []ollamaChatMessage `json:"messages"`
	Stream    bool                `json:"stream"`
	KeepAlive string              `json:"keep_alive,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Chat sends the full message history and returns the model's reply content.
func (r *OllamaReasoner) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, reasonerPerCallTimeout)
	defer cancel()

	ollamaMsgs := make([]ollamaChatMessage, len(messages))
	for i, m := range messages {
		role := m.Role
		if role == "tool" {
			// Ollama's chat API has no first-class "tool" role for every
			// model family; fold tool results back in as user turns.
			role = "user"
		}
		ollamaMsgs[i] = ollamaChatMessage{Role: role, Content: m.Content}
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:     r.model,
		Messages:  ollamaMsgs,
		Stream:    false,
		KeepAlive: "5m",
	})
	if err != nil {
		return "", fmt.Errorf("stage2 reasoner: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("stage2 reasoner: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", model.NewError(model.KindUpstreamTransient, "stage2 reasoner: request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 500 {
			return "", model.NewError(model.KindUpstreamTransient, "stage2 reasoner: server error", statusErr)
		}
		return "", model.NewError(model.KindUpstreamPermanent, "stage2 reasoner: client error", statusErr)
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", model.NewError(model.KindUpstreamPermanent, "stage2 reasoner: decode response", err)
	}
	return result.Message.Content, nil
}

// reasonerOutput is the structured verdict the reasoner loop parses from a
// chat turn, mirroring model.Stage2Result's recommendation/rationale/score.
type reasonerOutput struct {
	Recommendation model.Verdict
	Rationale      string
	Stage2Score    float64
}

// toolRequest is a single TOOL_CALL line parsed from a chat turn.
type toolRequest struct {
	Name string
	Args map[string]any
}

// parseReasonerTurn extracts either a final structured verdict or a set of
// tool-call requests from one chat response. Fail-safe by design, the same
// posture as conflicts.ParseValidatorResponse: a response that doesn't
// parse cleanly is never a hard error here — analyzer.go treats an empty
// result as "ask again" up to the tool budget, and ultimately falls back
// to INVESTIGATE if the budget is exhausted.
func parseReasonerTurn(response string) (out reasonerOutput, calls []toolRequest, ok bool) {
	lines := strings.Split(strings.TrimSpace(response), "\n")

	var recommendation, rationale, scoreStr string
	for _, line := range lines {
		trimmed := strings.TrimLeft(strings.TrimSpace(line), "*_")
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "recommendation:"):
			recommendation = strings.ToUpper(strings.Trim(strings.TrimSpace(trimmed[len("recommendation:"):]), "*_ "))
		case strings.HasPrefix(lower, "rationale:"):
			rationale = strings.TrimLeft(strings.TrimSpace(trimmed[len("rationale:"):]), "*_ ")
		case strings.HasPrefix(lower, "stage2_score:"):
			scoreStr = strings.Trim(strings.TrimSpace(trimmed[len("stage2_score:"):]), "*_ ")
		case strings.HasPrefix(lower, "tool_call:"):
			if req, parseErr := parseToolCallLine(strings.TrimSpace(trimmed[len("tool_call:"):])); parseErr == nil {
				calls = append(calls, req)
			}
		}
	}

	if len(calls) > 0 {
		return reasonerOutput{}, calls, false
	}

	if !validVerdicts[recommendation] {
		return reasonerOutput{}, nil, false
	}
	score, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		score = 50
	}

	return reasonerOutput{
		Recommendation: model.Verdict(recommendation),
		Rationale:      rationale,
		Stage2Score:    clip(score, 0, 100),
	}, nil, true
}

var validVerdicts = map[string]bool{
	string(model.VerdictApprove):    true,
	string(model.VerdictBlock):      true,
	string(model.VerdictInvestigate): true,
	string(model.VerdictEscalate):   true,
}

// parseToolCallLine parses "NAME {json-args}" into a toolRequest.
func parseToolCallLine(s string) (toolRequest, error) {
	name, rest, found := strings.Cut(s, " ")
	if !found {
		return toolRequest{Name: strings.TrimSpace(s), Args: map[string]any{}}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest)), &args); err != nil {
		return toolRequest{}, fmt.Errorf("stage2: parse tool_call args: %w", err)
	}
	return toolRequest{Name: strings.TrimSpace(name), Args: args}, nil
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
