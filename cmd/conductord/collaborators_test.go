package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stationhq/conductor/internal/router"
)

func TestKeywordClassifier_CapabilityDetection(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"fix the login bug", "code"},
		{"deploy the new release to staging", "ops"},
		{"research competing pricing models", "research"},
		{"tell me a joke", "general"},
	}
	c := keywordClassifier{}
	for _, tc := range cases {
		analysis, err := c.Analyze(context.Background(), tc.text, nil)
		if err != nil {
			t.Fatalf("analyze %q: %v", tc.text, err)
		}
		if len(analysis.Tasks) != 1 {
			t.Fatalf("expected 1 task for %q, got %d", tc.text, len(analysis.Tasks))
		}
		if analysis.Tasks[0].Capability != tc.want {
			t.Errorf("analyze %q: capability %q, want %q", tc.text, analysis.Tasks[0].Capability, tc.want)
		}
	}
}

func TestHTTPClassifier_ParsesServiceResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Request != "refactor the billing service" {
			t.Errorf("unexpected request text: %q", req.Request)
		}
		_, _ = w.Write([]byte(`{"needs":{"needs_code":true},"tasks":[{"description":"refactor billing","capability":"code"}],"confidence":0.9}`))
	}))
	defer srv.Close()

	c := &httpClassifier{endpoint: srv.URL, client: srv.Client()}
	analysis, err := c.Analyze(context.Background(), "refactor the billing service", nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !analysis.Needs.NeedsCode || len(analysis.Tasks) != 1 || analysis.Tasks[0].Capability != "code" {
		t.Fatalf("unexpected analysis: %+v", analysis)
	}
}

func TestHTTPClassifier_SurfacesServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &httpClassifier{endpoint: srv.URL, client: srv.Client()}
	if _, err := c.Analyze(context.Background(), "anything", nil); err == nil {
		t.Fatalf("expected error from 503 response")
	}
}

func TestHTTPAgents_ExecutesConfiguredEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req agentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Agent != "devo" || req.DependencyResult != "schema ready" {
			t.Errorf("unexpected agent request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":"migration applied"}`))
	}))
	defer srv.Close()

	a := &httpAgents{endpoints: map[string]string{"devo": srv.URL}, client: srv.Client()}
	res, err := a.Execute(context.Background(), router.AssignedTask{
		Agent:       "devo",
		Description: "apply the migration",
		Capability:  "code",
	}, "schema ready")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.Data != "migration applied" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHTTPAgents_MissingEndpointIsNotFound(t *testing.T) {
	a := &httpAgents{endpoints: map[string]string{}}
	_, err := a.Execute(context.Background(), router.AssignedTask{Agent: "ghost", Description: "x"}, "")
	if err == nil {
		t.Fatalf("expected error for unconfigured agent")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got: %v", err)
	}
}
