package rules

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"minewatch/internal/schema"
	"minewatch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*httptest.Server, *storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	h := NewHandler(store.Rules, schema.NewValidator(0), testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rulesets/{$}", h.HandleList)
	mux.HandleFunc("POST /rulesets/rules", h.HandleCreate)
	mux.HandleFunc("PATCH /rulesets/{id}/toggle", h.HandleToggle)
	mux.HandleFunc("DELETE /rulesets/auto-generated", h.HandleDeleteAutoGenerated)
	mux.HandleFunc("DELETE /rulesets/{id}", h.HandleDelete)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	return resp
}

func TestCreateAndListRules(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/rulesets/rules",
		`{"type":"DOMAIN_IOC","pattern":"pool.minexmr.com","description":"monero pool"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var created schema.Rule
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created rule: %v", err)
	}
	if created.ID == uuid.Nil {
		t.Error("expected server-assigned rule id")
	}
	if !created.Enabled {
		t.Error("expected enabled to default to true")
	}

	listResp := doJSON(t, http.MethodGet, srv.URL+"/rulesets/", "")
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", listResp.StatusCode)
	}
	// The listing is a bare rule array.
	var list []schema.Rule
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(list))
	}
	if list[0].Pattern != "pool.minexmr.com" {
		t.Errorf("unexpected pattern %q", list[0].Pattern)
	}
}

func TestListNewestFirst(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, p := range []string{"first", "second", "third"} {
		resp := doJSON(t, http.MethodPost, srv.URL+"/rulesets/rules",
			`{"type":"DOMAIN_IOC","pattern":"`+p+`"}`)
		resp.Body.Close()
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/rulesets/", "")
	defer resp.Body.Close()
	var list []schema.Rule
	json.NewDecoder(resp.Body).Decode(&list)
	if len(list) != 3 || list[0].Pattern != "third" {
		t.Errorf("expected newest rule first, got %+v", list)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing pattern", `{"type":"DOMAIN_IOC"}`},
		{"missing type", `{"pattern":"minexmr"}`},
		{"malformed json", `{"type":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/rulesets/rules", tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestToggleRule(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	rule, _ := store.Rules.Create(ctx, schema.Rule{
		Type: schema.RuleTypeDomainIOC, Pattern: "minexmr", Enabled: true,
	})

	resp := doJSON(t, http.MethodPatch, srv.URL+"/rulesets/"+rule.ID.String()+"/toggle",
		`{"enabled":false}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var updated schema.Rule
	json.NewDecoder(resp.Body).Decode(&updated)
	if updated.Enabled {
		t.Error("expected rule to be disabled")
	}

	// Idempotent: disabling again keeps the same state.
	again := doJSON(t, http.MethodPatch, srv.URL+"/rulesets/"+rule.ID.String()+"/toggle",
		`{"enabled":false}`)
	defer again.Body.Close()
	if again.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on repeated toggle, got %d", again.StatusCode)
	}
}

func TestToggleRequiresEnabled(t *testing.T) {
	srv, store := newTestServer(t)
	rule, _ := store.Rules.Create(context.Background(), schema.Rule{
		Type: schema.RuleTypeDomainIOC, Pattern: "minexmr",
	})

	resp := doJSON(t, http.MethodPatch, srv.URL+"/rulesets/"+rule.ID.String()+"/toggle", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 when enabled is omitted, got %d", resp.StatusCode)
	}
}

func TestToggleUnknownRule(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPatch, srv.URL+"/rulesets/"+uuid.NewString()+"/toggle",
		`{"enabled":true}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDeleteRule(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	rule, _ := store.Rules.Create(ctx, schema.Rule{
		Type: schema.RuleTypeDomainIOC, Pattern: "minexmr",
	})

	resp := doJSON(t, http.MethodDelete, srv.URL+"/rulesets/"+rule.ID.String(), "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if rules, _ := store.Rules.List(ctx); len(rules) != 0 {
		t.Errorf("expected rule removed, %d remain", len(rules))
	}

	again := doJSON(t, http.MethodDelete, srv.URL+"/rulesets/"+rule.ID.String(), "")
	defer again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 on repeated delete, got %d", again.StatusCode)
	}
}

func TestDeleteAutoGenerated(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	store.Rules.Create(ctx, schema.Rule{
		Type: schema.RuleTypeDomainIOC, Pattern: "auto-1",
		Tags: []string{schema.TagAutoGenerated},
	})
	store.Rules.Create(ctx, schema.Rule{
		Type: schema.RuleTypeDomainIOC, Pattern: "manual", Tags: []string{"mining"},
	})

	resp := doJSON(t, http.MethodDelete, srv.URL+"/rulesets/auto-generated", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if n, _ := body["deleted"].(float64); n != 1 {
		t.Errorf("expected 1 deleted, got %v", body["deleted"])
	}

	rules, _ := store.Rules.List(ctx)
	if len(rules) != 1 || rules[0].Pattern != "manual" {
		t.Errorf("expected only the manual rule to survive, got %+v", rules)
	}
}

func TestSeedBuiltinRulesIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	if err := SeedBuiltinRules(ctx, store.Rules, testLogger()); err != nil {
		t.Fatalf("first seed failed: %v", err)
	}
	first, _ := store.Rules.List(ctx)
	if len(first) == 0 {
		t.Fatal("expected seeded rules")
	}

	if err := SeedBuiltinRules(ctx, store.Rules, testLogger()); err != nil {
		t.Fatalf("second seed failed: %v", err)
	}
	second, _ := store.Rules.List(ctx)
	if len(second) != len(first) {
		t.Errorf("seeding is not idempotent: %d then %d rules", len(first), len(second))
	}

	for _, r := range second {
		if r.Type != schema.RuleTypeDomainIOC {
			t.Errorf("builtin rule %q has type %q", r.Pattern, r.Type)
		}
		if !r.Enabled {
			t.Errorf("builtin rule %q is not enabled", r.Pattern)
		}
		if !r.HasTag(TagBuiltin) {
			t.Errorf("builtin rule %q is missing the builtin tag", r.Pattern)
		}
	}
}
