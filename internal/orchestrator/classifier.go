package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/jsonx"
	"github.com/270aldo/ngx-orchestrator/internal/registry"
)

// Classifier decides which agents should handle a request. Implementations
// return a ranked list of agent IDs; ranking within the list defers to
// registry priority.
type Classifier interface {
	Classify(ctx context.Context, text string, reqContext map[string]string) ([]string, error)
}

// capabilityKeywords maps capability tags to trigger words, checked in this
// order so classification is deterministic.
var capabilityKeywords = []struct {
	capability string
	keywords   []string
}{
	{"training", []string{"workout", "train", "exercise", "lift", "strength", "cardio", "session", "program", "sets", "reps"}},
	{"nutrition", []string{"meal", "eat", "diet", "calorie", "protein", "nutrition", "macro", "snack", "recipe"}},
	{"recovery", []string{"sleep", "rest", "recover", "sore", "injur", "fatigue", "stretch", "hrv"}},
	{"motivation", []string{"motivat", "stuck", "goal", "habit", "mindset", "discipline", "give up"}},
}

// fallbackCapability is resolved when no keyword matches, so a generalist
// coach (if the manifest declares one) still answers.
const fallbackCapability = "general"

// KeywordClassifier is the rule-based classifier used standalone or as the
// fallback behind the LLM router.
type KeywordClassifier struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewKeywordClassifier creates a keyword classifier over the registry.
func NewKeywordClassifier(reg *registry.Registry, logger *zap.Logger) *KeywordClassifier {
	return &KeywordClassifier{registry: reg, logger: logger}
}

// Classify implements Classifier.
func (c *KeywordClassifier) Classify(_ context.Context, text string, _ map[string]string) ([]string, error) {
	lower := strings.ToLower(text)

	var ids []string
	seen := map[string]struct{}{}
	matched := false
	for _, entry := range capabilityKeywords {
		if !containsAny(lower, entry.keywords) {
			continue
		}
		matched = true
		for _, d := range c.registry.Resolve(entry.capability) {
			if _, dup := seen[d.ID]; dup {
				continue
			}
			seen[d.ID] = struct{}{}
			ids = append(ids, d.ID)
		}
	}

	if !matched {
		for _, d := range c.registry.Resolve(fallbackCapability) {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// HTTPClassifier routes through an external LLM-based router service and
// falls back to keyword rules when the service is unavailable.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
	fallback *KeywordClassifier
	logger   *zap.Logger
}

// NewHTTPClassifier creates an LLM-router classifier.
func NewHTTPClassifier(endpoint string, fallback *KeywordClassifier, logger *zap.Logger) *HTTPClassifier {
	return &HTTPClassifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		fallback: fallback,
		logger:   logger,
	}
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, text string, reqContext map[string]string) ([]string, error) {
	ids, err := c.classifyRemote(ctx, text, reqContext)
	if err != nil {
		c.logger.Warn("Router classification failed, using keyword fallback", zap.Error(err))
		return c.fallback.Classify(ctx, text, reqContext)
	}
	return ids, nil
}

func (c *HTTPClassifier) classifyRemote(ctx context.Context, text string, reqContext map[string]string) ([]string, error) {
	body, err := jsonx.Marshal(map[string]any{
		"text":    text,
		"context": reqContext,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, string(data))
	}

	var result struct {
		Agents []string `json:"agents"`
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result.Agents, nil
}
