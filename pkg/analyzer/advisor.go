package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"k8s.io/klog/v2"

	"kb-health-agent/pkg/config"
)

// ErrAdvisorLimited is returned when cost control suppresses a request
var ErrAdvisorLimited = errors.New("advisor request skipped due to cost control limits")

// Advisor adds a narrative to a recommendation
type Advisor interface {
	Advise(ctx context.Context, b Bottleneck, rec Recommendation) (string, error)
}

// AIAdvisor asks an OpenAI-compatible chat model for remediation advice
type AIAdvisor struct {
	config *config.AIAdvisorConfig
	client *openai.Client

	mu            sync.Mutex
	monthlyUsage  float64
	hourlyCount   int
	lastHourReset time.Time
}

// NewAIAdvisor returns nil when the advisor is disabled
func NewAIAdvisor(cfg *config.AIAdvisorConfig) (*AIAdvisor, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not provided")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &AIAdvisor{
		config:        cfg,
		client:        openai.NewClientWithConfig(clientConfig),
		lastHourReset: time.Now(),
	}, nil
}

func (ai *AIAdvisor) Advise(ctx context.Context, b Bottleneck, rec Recommendation) (string, error) {
	if !ai.checkCostLimits() {
		klog.V(2).Infof("Advisor skipped for %s due to cost control limits", b.Component)
		return "", ErrAdvisorLimited
	}

	timeout := ai.config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	chatCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := ai.client.CreateChatCompletion(chatCtx, openai.ChatCompletionRequest{
		Model:       ai.config.Model,
		Temperature: ai.config.Temperature,
		MaxTokens:   ai.config.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: advisorSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildAdvicePrompt(b, rec)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("advisor request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from advisor model")
	}

	cost := calculateCost(resp.Usage.TotalTokens)
	ai.updateUsage(cost)

	content := resp.Choices[0].Message.Content
	advice, err := parseAdvice(content)
	if err != nil {
		klog.V(2).Infof("Advisor returned unstructured text: %v", err)
		advice = strings.TrimSpace(content)
	}

	klog.V(2).Infof("Advisor answered for %s: cost=$%.4f, tokens=%d, duration=%v",
		b.Component, cost, resp.Usage.TotalTokens, time.Since(start))
	return advice, nil
}

const advisorSystemPrompt = `You are a performance engineer helping the user of a local knowledge-base assistant.
You receive one detected bottleneck with its metrics and the static remediation steps.
Respond in JSON: {"summary": "...", "steps": ["..."]}. Keep it short and concrete.`

func buildAdvicePrompt(b Bottleneck, rec Recommendation) string {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Component: %s\n", b.Component)
	fmt.Fprintf(&prompt, "Severity: %s\n", b.Severity)
	fmt.Fprintf(&prompt, "Problem: %s\n", b.Description)
	for _, m := range b.Metrics {
		fmt.Fprintf(&prompt, "Metric %s: avg=%.2f latest=%.2f warning=%.2f critical=%.2f samples=%d\n",
			m.Metric, m.Average, m.Latest, m.Warning, m.Critical, m.Samples)
	}
	fmt.Fprintf(&prompt, "Trend: %s (%.1f%%)\n", b.Trend.Direction, b.Trend.ChangePercent)
	fmt.Fprintf(&prompt, "Likely cause: %s\n", b.RootCause.Cause)
	prompt.WriteString("Current advice:\n")
	for _, s := range rec.Steps {
		fmt.Fprintf(&prompt, "- %s\n", s)
	}
	return prompt.String()
}

func parseAdvice(response string) (string, error) {
	response = strings.TrimSpace(response)
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || start >= end {
		return "", fmt.Errorf("no valid JSON found in response")
	}

	var result struct {
		Summary string   `json:"summary"`
		Steps   []string `json:"steps"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &result); err != nil {
		return "", fmt.Errorf("failed to parse JSON: %w", err)
	}
	if result.Summary == "" && len(result.Steps) == 0 {
		return "", fmt.Errorf("empty advice")
	}

	var out strings.Builder
	out.WriteString(result.Summary)
	for _, s := range result.Steps {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("- " + s)
	}
	return out.String(), nil
}

func calculateCost(tokens int) float64 {
	// blended input/output price per 1K tokens
	const costPer1KTokens = 0.0006
	return float64(tokens) / 1000.0 * costPer1KTokens
}

func (ai *AIAdvisor) checkCostLimits() bool {
	if !ai.config.EnableCostControl {
		return true
	}

	ai.mu.Lock()
	defer ai.mu.Unlock()

	if time.Since(ai.lastHourReset) > time.Hour {
		ai.hourlyCount = 0
		ai.lastHourReset = time.Now()
	}
	if ai.hourlyCount >= ai.config.MaxAnalysisPerHour {
		return false
	}
	return ai.monthlyUsage < ai.config.MaxCostPerMonth
}

func (ai *AIAdvisor) updateUsage(cost float64) {
	if !ai.config.EnableCostControl {
		return
	}
	ai.mu.Lock()
	defer ai.mu.Unlock()
	ai.monthlyUsage += cost
	ai.hourlyCount++
}

// UsageStats reports the tracked spend and the requests made this hour
func (ai *AIAdvisor) UsageStats() (monthlyUsage float64, hourlyCount int) {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	return ai.monthlyUsage, ai.hourlyCount
}
