package main

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

	"github.com/stationhq/conductor/internal/config"
	"github.com/stationhq/conductor/internal/router"
	"github.com/stationhq/conductor/internal/session"
	"github.com/stationhq/conductor/internal/workflow"
)

// newCollaborators wires the classifier and agent executor from config. With
// no classifier endpoint configured the built-in keyword classifier runs;
// agents without an endpoint fail their tasks as not found.
func newCollaborators(cfg config.CollaboratorsConfig, logger *slog.Logger) (workflow.Classifier, workflow.AgentExecutor) {
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}

	var classifier workflow.Classifier
	if cfg.ClassifierEndpoint != "" {
		classifier = &httpClassifier{endpoint: cfg.ClassifierEndpoint, client: client}
	} else {
		logger.Info("no classifier endpoint configured, using keyword classifier")
		classifier = keywordClassifier{}
	}

	agents := &httpAgents{endpoints: cfg.AgentEndpoints, client: client}
	return classifier, agents
}

// httpClassifier POSTs the request to an external classifier service and
// parses its response the same way an LLM response is parsed: extract the
// JSON object, validate against the analysis schema, decode.
type httpClassifier struct {
	endpoint string
	client   *http.Client
}

type classifyRequest struct {
	Request string                 `json:"request"`
	History []session.HistoryEntry `json:"history,omitempty"`
}

func (c *httpClassifier) Analyze(ctx context.Context, userText string, history []session.HistoryEntry) (*router.CapabilityAnalysis, error) {
	body, err := json.Marshal(classifyRequest{Request: userText, History: history})
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier call: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return router.ParseAnalysis(string(raw))
}

// keywordClassifier is the offline fallback: deterministic keyword matching
// producing a single-task analysis per request.
type keywordClassifier struct{}

var keywordTable = []struct {
	capability string
	words      []string
}{
	{"code", []string{"code", "implement", "fix", "bug", "refactor", "compile", "test", "patch", "build"}},
	{"ops", []string{"deploy", "restart", "rollback", "provision", "scale", "server", "kubernetes", "infra"}},
	{"research", []string{"research", "find", "search", "look up", "investigate", "compare", "summarize"}},
}

func (keywordClassifier) Analyze(_ context.Context, userText string, _ []session.HistoryEntry) (*router.CapabilityAnalysis, error) {
	lower := strings.ToLower(userText)

	capability := "general"
	needs := router.NeedsVector{}
	for _, entry := range keywordTable {
		for _, w := range entry.words {
			if strings.Contains(lower, w) {
				capability = entry.capability
				break
			}
		}
		if capability != "general" {
			break
		}
	}
	switch capability {
	case "code":
		needs.NeedsCode = true
	case "ops":
		needs.NeedsOps = true
	case "research":
		needs.NeedsResearch = true
	}

	return &router.CapabilityAnalysis{
		Needs: needs,
		Tasks: []router.AnalyzedTask{
			{Description: strings.TrimSpace(userText), Capability: capability},
		},
		Confidence: 0.5,
	}, nil
}

// httpAgents dispatches each task to the endpoint registered for its agent.
type httpAgents struct {
	endpoints map[string]string
	client    *http.Client
}

type agentRequest struct {
	Agent            string `json:"agent"`
	Description      string `json:"description"`
	Capability       string `json:"capability"`
	DependencyResult string `json:"dependency_result,omitempty"`
}

type agentResponse struct {
	Success           bool   `json:"success"`
	Data              string `json:"data,omitempty"`
	Error             string `json:"error,omitempty"`
	Uncertain         bool   `json:"uncertain,omitempty"`
	UncertaintyReason string `json:"uncertainty_reason,omitempty"`
}

func (a *httpAgents) Execute(ctx context.Context, task router.AssignedTask, dependencyResult string) (workflow.AgentResult, error) {
	endpoint, ok := a.endpoints[task.Agent]
	if !ok {
		return workflow.AgentResult{}, fmt.Errorf("agent %s not found: no endpoint configured", task.Agent)
	}

	body, err := json.Marshal(agentRequest{
		Agent:            task.Agent,
		Description:      task.Description,
		Capability:       task.Capability,
		DependencyResult: dependencyResult,
	})
	if err != nil {
		return workflow.AgentResult{}, fmt.Errorf("marshal agent request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return workflow.AgentResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return workflow.AgentResult{}, fmt.Errorf("agent %s call: %w", task.Agent, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return workflow.AgentResult{}, fmt.Errorf("read agent %s response: %w", task.Agent, err)
	}
	if resp.StatusCode != http.StatusOK {
		return workflow.AgentResult{}, fmt.Errorf("agent %s returned %d: %s",
			task.Agent, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out agentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return workflow.AgentResult{}, fmt.Errorf("decode agent %s response: %w", task.Agent, err)
	}
	return workflow.AgentResult{
		Success:           out.Success,
		Data:              out.Data,
		Error:             out.Error,
		Uncertain:         out.Uncertain,
		UncertaintyReason: out.UncertaintyReason,
	}, nil
}
