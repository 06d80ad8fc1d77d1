package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"safelink/codec"
	"safelink/engine"
	"safelink/ignore"
	"safelink/parser"
	"safelink/rules"
	"safelink/store"
)

type testEnv struct {
	srv      *httptest.Server
	compiler *rules.Compiler
	engine   *engine.Engine
}

func newTestEnv(t *testing.T, opts rules.Options) *testEnv {
	t.Helper()
	st := store.NewMemory()
	c := rules.NewCompiler(st, parser.NewLoader(t.TempDir(), 5*time.Second), opts)
	if err := c.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	ig := ignore.New(st, 0, nil)
	redirects := NewRedirects(time.Minute, nil)
	e := engine.New(c, st, ig, engine.Options{
		Pages:     engine.WarningPages{Site: "/warning.html", Phrase: "/phrase-warning.html"},
		Navigator: redirects,
	})
	srv := httptest.NewServer(NewAPI(c, e, ig, redirects).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, compiler: c, engine: e}
}

func (env *testEnv) call(t *testing.T, req map[string]any) (int, map[string]any) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(env.srv.URL+"/api", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%v: decode response: %v", req["action"], err)
	}
	return resp.StatusCode, out
}

func (env *testEnv) mustCall(t *testing.T, req map[string]any) map[string]any {
	t.Helper()
	status, out := env.call(t, req)
	if status != http.StatusOK || out["success"] != true {
		t.Fatalf("%v: status=%d body=%v", req["action"], status, out)
	}
	return out
}

func TestAPIRejectsBadRequests(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, rules.Options{})

	tests := []struct {
		name   string
		req    map[string]any
		status int
	}{
		{"unknown action", map[string]any{"action": "formatDisk"}, http.StatusBadRequest},
		{"missing action", map[string]any{"url": "https://a.com"}, http.StatusBadRequest},
		{"wrong field type", map[string]any{"action": "checkUrl", "url": 42}, http.StatusBadRequest},
		{"unknown kind", map[string]any{"action": "addUserRule", "kind": "nope", "value": "a.com"}, http.StatusBadRequest},
		{"invalid value", map[string]any{"action": "addUserRule", "kind": "blocked_site", "value": "not a host"}, http.StatusBadRequest},
		{"invalid settings", map[string]any{"action": "updateSettings", "settings": map[string]any{"phraseSensitivity": "paranoid"}}, http.StatusBadRequest},
		{"invalid open url", map[string]any{"action": "openUrl", "url": "nowhere"}, http.StatusBadRequest},
		{"no registry source", map[string]any{"action": "updatePhrasesFromRegistry"}, http.StatusBadRequest},
		{"unknown list format", map[string]any{"action": "exportLists", "format": "csv"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		status, out := env.call(t, tt.req)
		if status != tt.status {
			t.Errorf("%s: status=%d want %d (%v)", tt.name, status, tt.status, out)
		}
		if out["success"] != false || out["error"] == "" {
			t.Errorf("%s: body=%v", tt.name, out)
		}
	}

	resp, err := http.Get(env.srv.URL + "/api")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api status=%d", resp.StatusCode)
	}
}

func TestAPIUserRulesAndChecks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, rules.Options{})

	env.mustCall(t, map[string]any{"action": "addUserRule", "kind": "blocked_site", "value": "Bad.com"})
	env.mustCall(t, map[string]any{"action": "addUserRule", "kind": "blocked_phrase", "value": "запрещённая книга"})

	out := env.mustCall(t, map[string]any{"action": "checkUrl", "url": "https://news.bad.com/a"})
	if out["blocked"] != true || out["reason"] != engine.ReasonSubdomain || out["matched"] != "bad.com" {
		t.Errorf("checkUrl=%v", out)
	}

	out = env.mustCall(t, map[string]any{"action": "checkPhrase", "phrase": "скачать запрещённая книга"})
	if out["blocked"] != true || out["matchType"] != engine.MatchPartial {
		t.Errorf("checkPhrase=%v", out)
	}

	out = env.mustCall(t, map[string]any{"action": "checkSearch", "url": "https://www.google.com/search?q=%D0%B7%D0%B0%D0%BF%D1%80%D0%B5%D1%89%D1%91%D0%BD%D0%BD%D0%B0%D1%8F+%D0%BA%D0%BD%D0%B8%D0%B3%D0%B0"})
	if out["blocked"] != true || out["searchEngine"] != "www.google.com" || out["matchType"] != engine.MatchExact {
		t.Errorf("checkSearch=%v", out)
	}

	out = env.mustCall(t, map[string]any{"action": "allowSite", "url": "https://bad.com/page"})
	if out["domain"] != "bad.com" {
		t.Errorf("allowSite=%v", out)
	}
	out = env.mustCall(t, map[string]any{"action": "checkUrl", "url": "https://bad.com/"})
	if out["allowed"] != true {
		t.Errorf("checkUrl after allowSite=%v", out)
	}

	out = env.mustCall(t, map[string]any{"action": "getUserLists"})
	lists := out["lists"].(map[string]any)
	if got := lists["allowed_site"].([]any); len(got) != 1 || got[0] != "bad.com" {
		t.Errorf("allowed_site=%v", got)
	}
	if got := lists["blocked_site"].([]any); len(got) != 0 {
		t.Errorf("blocked_site=%v", got)
	}

	env.mustCall(t, map[string]any{"action": "removeUserRule", "kind": "allowed_site", "value": "bad.com"})
	out = env.mustCall(t, map[string]any{"action": "checkUrl", "url": "https://bad.com/"})
	if out["reason"] != engine.ReasonNotInList {
		t.Errorf("checkUrl after removal=%v", out)
	}
}

func TestAPISettings(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, rules.Options{})

	out := env.mustCall(t, map[string]any{"action": "getSettings"})
	s := out["settings"].(map[string]any)
	if s["phraseSensitivity"] != string(engine.Medium) || s["siteBlockMode"] != string(engine.ModeWarn) {
		t.Fatalf("defaults=%v", s)
	}

	out = env.mustCall(t, map[string]any{"action": "updateSettings", "settings": map[string]any{"phraseSensitivity": "loose"}})
	s = out["settings"].(map[string]any)
	if s["phraseSensitivity"] != "loose" || s["phraseBlockMode"] != "warn" {
		t.Fatalf("updated=%v", s)
	}
	if got := env.engine.Settings(context.Background()).PhraseSensitivity; got != engine.Loose {
		t.Fatalf("persisted sensitivity=%q", got)
	}
}

func TestAPINavigationFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, rules.Options{})
	target := "https://bad.com/page"

	env.mustCall(t, map[string]any{"action": "addUserRule", "kind": "blocked_site", "value": "bad.com"})

	out := env.mustCall(t, map[string]any{"action": "checkNavigation", "url": target, "tabId": 7})
	if out["action"] != engine.ActionWarn || out["reason"] != engine.DecisionBlockedSite {
		t.Fatalf("checkNavigation=%v", out)
	}
	redirect, _ := out["redirect"].(string)
	if !strings.HasPrefix(redirect, "/warning.html?url=") {
		t.Fatalf("redirect=%q", redirect)
	}

	out = env.mustCall(t, map[string]any{"action": "takeRedirect", "tabId": 7})
	if out["pending"] != true || out["redirect"] != redirect {
		t.Fatalf("takeRedirect=%v", out)
	}
	out = env.mustCall(t, map[string]any{"action": "takeRedirect", "tabId": 7})
	if out["pending"] != false {
		t.Fatalf("second takeRedirect=%v", out)
	}

	out = env.mustCall(t, map[string]any{"action": "openUrl", "url": target})
	if out["redirect"] != true {
		t.Fatalf("openUrl=%v", out)
	}
	out = env.mustCall(t, map[string]any{"action": "checkNavigation", "url": target})
	if out["action"] != engine.ActionAllow || out["reason"] != engine.DecisionIgnored {
		t.Fatalf("checkNavigation after openUrl=%v", out)
	}

	out = env.mustCall(t, map[string]any{"action": "getPhraseStats"})
	if out["ignored"] != float64(1) {
		t.Fatalf("stats=%v", out)
	}
}

func TestAPIRegistryAndPhraseList(t *testing.T) {
	t.Parallel()
	body, err := codec.Encode("1;\"Книга «Первая фраза» запрещена\";\n2;\"Журнал «Вторая длинная фраза»\";\n")
	if err != nil {
		t.Fatal(err)
	}
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	t.Cleanup(registry.Close)
	env := newTestEnv(t, rules.Options{RegistryURL: registry.URL})

	out := env.mustCall(t, map[string]any{"action": "updatePhrasesFromRegistry", "force": true})
	if out["phrasesAdded"] != float64(2) {
		t.Fatalf("update=%v", out)
	}
	status, out := env.call(t, map[string]any{"action": "updatePhrasesFromRegistry", "force": true})
	if status != http.StatusTooManyRequests {
		t.Fatalf("second update status=%d body=%v", status, out)
	}

	out = env.mustCall(t, map[string]any{"action": "getPhrasesInfo"})
	if out["totalPhrases"] != float64(2) || out["fresh"] != true {
		t.Fatalf("info=%v", out)
	}

	out = env.mustCall(t, map[string]any{"action": "getPhrasesList", "limit": 1, "sortBy": "length_desc"})
	phrases := out["phrases"].([]any)
	if len(phrases) != 1 || phrases[0].(map[string]any)["text"] != "вторая длинная фраза" {
		t.Fatalf("phrases=%v", phrases)
	}
	page := out["pagination"].(map[string]any)
	if page["total"] != float64(2) || page["totalPages"] != float64(2) || page["hasNext"] != true {
		t.Fatalf("pagination=%v", page)
	}

	env.mustCall(t, map[string]any{"action": "clearAllPhrases"})
	if n := len(env.compiler.Active().Phrases()); n != 0 {
		t.Fatalf("phrases after clear=%d", n)
	}
}

func TestAPIListsRoundTrip(t *testing.T) {
	t.Parallel()
	src := newTestEnv(t, rules.Options{})
	src.mustCall(t, map[string]any{"action": "addUserRule", "kind": "blocked_site", "value": "bad.com"})
	src.mustCall(t, map[string]any{"action": "addUserRule", "kind": "allowed_site", "value": "good.org"})

	out := src.mustCall(t, map[string]any{"action": "exportLists", "format": "yaml"})
	if out["format"] != "yaml" {
		t.Fatalf("export=%v", out)
	}

	dst := newTestEnv(t, rules.Options{})
	out = dst.mustCall(t, map[string]any{"action": "importLists", "format": "yml", "data": out["data"]})
	if out["blockedAdded"] != float64(1) || out["allowedAdded"] != float64(1) {
		t.Fatalf("import=%v", out)
	}
	rs := dst.compiler.Active()
	if !rs.BlockedDomains.Has("bad.com") || !rs.AllowedDomains.Has("good.org") {
		t.Fatal("imported lists not applied")
	}

	status, _ := dst.call(t, map[string]any{"action": "importLists", "format": "json", "data": "{"})
	if status != http.StatusBadRequest {
		t.Fatalf("malformed import status=%d", status)
	}
}

func TestAPISearchEngines(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, rules.Options{SearchEngines: map[string]string{"search.example": "text"}})

	out := env.mustCall(t, map[string]any{"action": "getSearchEngines"})
	engines := out["searchEngines"].([]any)
	if len(engines) != 1 {
		t.Fatalf("engines=%v", engines)
	}
	if e := engines[0].(map[string]any); e["domain"] != "search.example" || e["param"] != "text" {
		t.Fatalf("engine=%v", e)
	}
}

func TestEnvelope(t *testing.T) {
	t.Parallel()
	out, err := envelope(nil)
	if err != nil || string(out["success"]) != "true" || len(out) != 1 {
		t.Fatalf("envelope(nil)=%v, %v", out, err)
	}
	if _, err := envelope([]string{"a"}); err == nil {
		t.Fatal("envelope accepted a non-object result")
	}
}
