package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/utils/llm"

	"webagentaa/internal/core"
)

// Action types the planner may choose.
const (
	ActionNavigate = "navigate"
	ActionClick    = "click"
	ActionType     = "type"
	ActionScroll   = "scroll"
	ActionWait     = "wait"
	ActionDone     = "done"
	ActionFail     = "fail"
)

const maxHistorySteps = 8

// Action is one browser step chosen by the planner.
type Action struct {
	Type    string  `json:"action"`
	URL     string  `json:"url,omitempty"`
	Target  int     `json:"target,omitempty"`
	Text    string  `json:"text,omitempty"`
	Submit  bool    `json:"submit,omitempty"`
	Seconds float64 `json:"seconds,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

func (a Action) String() string {
	switch a.Type {
	case ActionNavigate:
		return fmt.Sprintf("navigate(%s)", a.URL)
	case ActionClick:
		return fmt.Sprintf("click(#%d)", a.Target)
	case ActionType:
		return fmt.Sprintf("type(#%d, %q, submit=%t)", a.Target, a.Text, a.Submit)
	case ActionWait:
		return fmt.Sprintf("wait(%.1fs)", a.Seconds)
	case ActionDone, ActionFail:
		return fmt.Sprintf("%s(%s)", a.Type, a.Text)
	default:
		return a.Type
	}
}

func (a Action) validate() error {
	switch a.Type {
	case ActionNavigate:
		if strings.TrimSpace(a.URL) == "" {
			return errors.New("navigate action without url")
		}
	case ActionClick, ActionType:
		if a.Target <= 0 {
			return fmt.Errorf("%s action without target element", a.Type)
		}
	case ActionScroll, ActionWait, ActionDone, ActionFail:
	default:
		return fmt.Errorf("unknown action %q", a.Type)
	}
	return nil
}

// Element is an interactive element of the current page.
type Element struct {
	ID    int    `json:"id"`
	Tag   string `json:"tag"`
	Type  string `json:"type,omitempty"`
	Label string `json:"label"`
}

// PageSnapshot is the page state shown to the planner.
type PageSnapshot struct {
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Text     string    `json:"text"`
	Elements []Element `json:"elements"`
}

// Planner chooses the next browser action for a task.
type Planner interface {
	NextAction(ctx context.Context, prompt string, page PageSnapshot, history []core.Step) (Action, string, error)
}

// LLMPlanner asks a chat model for the next action.
type LLMPlanner struct {
	client      llm.ChatClient
	maxTokens   int
	temperature float64
}

// NewLLMPlanner wraps client.
func NewLLMPlanner(client llm.ChatClient, maxTokens int, temperature float64) *LLMPlanner {
	return &LLMPlanner{client: client, maxTokens: maxTokens, temperature: temperature}
}

// NewLLMClient creates the chat client used by the planner.
func NewLLMClient(config llm.Config) (llm.ChatClient, error) {
	return llm.NewFactory(config)
}

var plannerInstructions = strings.Join([]string{
	"You control a web browser to complete a test scenario.",
	"Each turn you receive the scenario, the current page and the steps taken so far.",
	"Reply with exactly one JSON object and nothing else, using one of:",
	`{"action":"navigate","url":"https://..."}`,
	`{"action":"click","target":<element id>}`,
	`{"action":"type","target":<element id>,"text":"...","submit":true|false}`,
	`{"action":"scroll"}`,
	`{"action":"wait","seconds":<1-10>}`,
	`{"action":"done","text":"<what was verified>"}`,
	`{"action":"fail","text":"<why the scenario cannot be completed>"}`,
	`Add a short "reason" field explaining the choice.`,
}, "\n")

type plannerTurn struct {
	Scenario string       `json:"scenario"`
	Page     PageSnapshot `json:"page"`
	History  []core.Step  `json:"history,omitempty"`
}

// NextAction implements Planner.
func (p *LLMPlanner) NextAction(ctx context.Context, prompt string, page PageSnapshot, history []core.Step) (Action, string, error) {
	if p.client == nil {
		return Action{}, "", errors.New("llm client is not configured")
	}
	if len(history) > maxHistorySteps {
		history = history[len(history)-maxHistorySteps:]
	}
	turn, err := json.Marshal(plannerTurn{Scenario: prompt, Page: page, History: history})
	if err != nil {
		return Action{}, "", fmt.Errorf("encode planner turn: %w", err)
	}
	temperature := p.temperature
	request := llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: plannerInstructions},
			{Role: "user", Content: string(turn)},
		},
		MaxTokens:   p.maxTokens,
		Temperature: &temperature,
	}
	output, err := p.client.Chat(ctx, request)
	if err != nil {
		return Action{}, "", fmt.Errorf("llm chat: %w", err)
	}
	action, err := ParseAction(output)
	return action, output, err
}

// ParseAction extracts the JSON action object from model output, tolerating
// code fences and surrounding prose.
func ParseAction(output string) (Action, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return Action{}, fmt.Errorf("no action object in model output %q", truncate(output, 120))
	}
	var action Action
	if err := json.Unmarshal([]byte(output[start:end+1]), &action); err != nil {
		return Action{}, fmt.Errorf("decode action: %w", err)
	}
	action.Type = strings.ToLower(strings.TrimSpace(action.Type))
	if err := action.validate(); err != nil {
		return Action{}, err
	}
	return action, nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
