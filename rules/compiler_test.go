package rules

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"safelink/codec"
	"safelink/parser"
	"safelink/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCompiler(t *testing.T, opts Options) (*Compiler, *store.Local, *testClock) {
	t.Helper()
	clock := newTestClock()
	opts.Now = clock.Now
	st := store.NewMemory()
	c := NewCompiler(st, parser.NewLoader(t.TempDir(), 5*time.Second), opts)
	if err := c.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c, st, clock
}

func mustEncode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := codec.Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// registryServer serves whatever body holds, or a 502 while down is set.
type registryServer struct {
	*httptest.Server
	mu   sync.Mutex
	body []byte
	down atomic.Bool
	hits atomic.Int32
}

func newRegistryServer(t *testing.T, body []byte) *registryServer {
	rs := &registryServer{body: body}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)
		if rs.down.Load() {
			http.Error(w, "unavailable", http.StatusBadGateway)
			return
		}
		rs.mu.Lock()
		defer rs.mu.Unlock()
		w.Write(rs.body)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *registryServer) setBody(b []byte) {
	rs.mu.Lock()
	rs.body = b
	rs.mu.Unlock()
}

func TestAddUserRuleMovesBetweenLists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, st, _ := newTestCompiler(t, Options{})

	if err := c.AddUserRule(ctx, KindBlockedSite, "Bad.COM"); err != nil {
		t.Fatal(err)
	}
	if !c.Active().BlockedDomains.Has("bad.com") {
		t.Fatal("bad.com should be blocked")
	}

	if err := c.AddUserRule(ctx, KindAllowedSite, "https://bad.com/page"); err != nil {
		t.Fatal(err)
	}
	rs := c.Active()
	if rs.BlockedDomains.Has("bad.com") || !rs.AllowedDomains.Has("bad.com") {
		t.Fatalf("blocked=%v allowed=%v", rs.BlockedDomains, rs.AllowedDomains)
	}

	blocked, _, _ := store.GetJSON[[]string](ctx, st, KeyBlockedSites)
	allowed, _, _ := store.GetJSON[[]string](ctx, st, KeyAllowedSites)
	if len(blocked) != 0 || !slices.Equal(allowed, []string{"bad.com"}) {
		t.Fatalf("stored blocked=%v allowed=%v", blocked, allowed)
	}
}

func TestAddUserRuleReplacesMalformedList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, st, _ := newTestCompiler(t, Options{})

	// A list stored with the wrong shape is dropped, not fatal.
	if err := store.SetJSON(ctx, st, map[string]any{KeyBlockedSites: map[string]int{"x": 1}}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddUserRule(ctx, KindBlockedSite, "bad.com"); err != nil {
		t.Fatal(err)
	}
	blocked, _, err := store.GetJSON[[]string](ctx, st, KeyBlockedSites)
	if err != nil || !slices.Equal(blocked, []string{"bad.com"}) {
		t.Fatalf("stored=%v err=%v", blocked, err)
	}
	if !c.Active().BlockedDomains.Has("bad.com") {
		t.Fatal("bad.com should be blocked")
	}
}

func TestAddUserRuleSingleWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, st, _ := newTestCompiler(t, Options{})
	if err := c.AddUserRule(ctx, KindBlockedSite, "bad.com"); err != nil {
		t.Fatal(err)
	}

	changes, cancel := st.Watch(KeyBlockedSites, KeyAllowedSites)
	defer cancel()
	if err := c.AddUserRule(ctx, KindAllowedSite, "bad.com"); err != nil {
		t.Fatal(err)
	}

	// Both keys change in the same Set, so both events are already queued.
	got := map[string]string{}
	for len(got) < 2 {
		select {
		case ch := <-changes:
			got[ch.Key] = string(ch.Value)
		case <-time.After(time.Second):
			t.Fatalf("got only %v", got)
		}
	}
	if got[KeyBlockedSites] != `[]` || got[KeyAllowedSites] != `["bad.com"]` {
		t.Fatalf("changes=%v", got)
	}
}

func TestRemoveUserRule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, _ := newTestCompiler(t, Options{})

	for _, p := range []string{"Тайная доктрина", "другая фраза"} {
		if err := c.AddUserRule(ctx, KindBlockedPhrase, p); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.RemoveUserRule(ctx, KindBlockedPhrase, "ТАЙНАЯ доктрина"); err != nil {
		t.Fatal(err)
	}
	if got := c.Active().Phrases(); !slices.Equal(got, []string{"другая фраза"}) {
		t.Fatalf("phrases=%v", got)
	}

	lists, err := c.UserLists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(lists[KindBlockedPhrase], []string{"другая фраза"}) {
		t.Fatalf("lists=%v", lists)
	}
}

func TestUserRuleValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, _ := newTestCompiler(t, Options{})

	if _, err := ParseKind("whitelist"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("ParseKind err=%v", err)
	}
	tests := []struct {
		kind  Kind
		value string
	}{
		{KindBlockedSite, "localhost"},
		{KindBlockedSite, "10.0.0.1"},
		{KindAllowedURL, "not a url"},
		{KindBlockedPhrase, "ab"},
		{KindException, "   "},
	}
	for _, tt := range tests {
		if err := c.AddUserRule(ctx, tt.kind, tt.value); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("AddUserRule(%s, %q) err=%v, want ErrInvalidValue", tt.kind, tt.value, err)
		}
	}
}

func TestAllowSite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, _ := newTestCompiler(t, Options{})

	host, err := c.AllowSite(ctx, "https://Sub.Example.org/some/page?x=1")
	if err != nil {
		t.Fatal(err)
	}
	if host != "sub.example.org" || !c.Active().AllowedDomains.Has("sub.example.org") {
		t.Fatalf("host=%q allowed=%v", host, c.Active().AllowedDomains)
	}
	if _, err := c.AllowSite(ctx, "no host here"); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("err=%v", err)
	}
}

func TestUpdateFromRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newRegistryServer(t, mustEncode(t, "12;\"Материал «Пример материала» запрещён\";\n"))
	c, st, clock := newTestCompiler(t, Options{RegistryURL: srv.URL})

	res, err := c.UpdateFromRegistry(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || res.FromCache || res.Degraded || res.PhrasesAdded != 1 {
		t.Fatalf("res=%+v", res)
	}
	if !c.Active().BlockedPhrases.Has("пример материала") {
		t.Fatalf("phrases=%v", c.Active().Phrases())
	}
	if ts, _, _ := store.GetJSON[int64](ctx, st, KeyRegistryTimestamp); ts != clock.Now().UnixMilli() {
		t.Fatalf("timestamp=%d", ts)
	}
	if c.NeedsRefresh(ctx) {
		t.Fatal("fresh content should not need refresh")
	}
	info, err := c.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Fresh || info.CachedAt.IsZero() || info.Source != srv.URL {
		t.Fatalf("info=%+v", info)
	}

	// Fresh content is not re-fetched without force.
	res, err = c.UpdateFromRegistry(ctx, false)
	if err != nil || !res.Skipped {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if n := srv.hits.Load(); n != 1 {
		t.Fatalf("hits=%d", n)
	}

	// Forced attempts are still rate limited.
	srv.setBody(mustEncode(t, "13;\"Журнал «Другое издание мира»\";\n"))
	clock.Advance(time.Second)
	if _, err := c.UpdateFromRegistry(ctx, true); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err=%v, want ErrRateLimited", err)
	}

	clock.Advance(10 * time.Second)
	res, err = c.UpdateFromRegistry(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalPhrases != 2 {
		t.Fatalf("res=%+v", res)
	}
	rs := c.Active()
	if !rs.BlockedPhrases.Has("пример материала") || !rs.BlockedPhrases.Has("другое издание мира") {
		t.Fatalf("phrases should be unioned, got %v", rs.Phrases())
	}
	if got := rs.CategoryOf("другое издание мира"); got != parser.CategoryMagazines {
		t.Fatalf("category=%q", got)
	}
}

func TestUpdateFromRegistryStaleAfterFreshWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newRegistryServer(t, mustEncode(t, "1;\"«Первая фраза»\";\n"))
	c, _, clock := newTestCompiler(t, Options{RegistryURL: srv.URL})

	if _, err := c.UpdateFromRegistry(ctx, false); err != nil {
		t.Fatal(err)
	}
	clock.Advance(25 * time.Hour)
	if !c.NeedsRefresh(ctx) {
		t.Fatal("content older than 24h should need refresh")
	}
	res, err := c.UpdateFromRegistry(ctx, false)
	if err != nil || res.Skipped {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if n := srv.hits.Load(); n != 2 {
		t.Fatalf("hits=%d", n)
	}
}

func TestUpdateFromRegistryNoRecordsKeepsRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newRegistryServer(t, mustEncode(t, "1;\"«Первая фраза»\";\n"))
	c, st, clock := newTestCompiler(t, Options{RegistryURL: srv.URL})

	if _, err := c.UpdateFromRegistry(ctx, false); err != nil {
		t.Fatal(err)
	}
	before, _, _ := store.GetJSON[int64](ctx, st, KeyRegistryTimestamp)

	srv.setBody([]byte("<html>maintenance</html>\n"))
	clock.Advance(time.Minute)
	if _, err := c.UpdateFromRegistry(ctx, true); !errors.Is(err, ErrNoRecords) {
		t.Fatalf("err=%v, want ErrNoRecords", err)
	}
	if !c.Active().BlockedPhrases.Has("первая фраза") {
		t.Fatal("previous rules should be kept")
	}
	if after, _, _ := store.GetJSON[int64](ctx, st, KeyRegistryTimestamp); after != before {
		t.Fatalf("timestamp moved from %d to %d", before, after)
	}
}

func TestUpdateFromRegistryCacheFallbackDoesNotStamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newRegistryServer(t, mustEncode(t, "1;\"«Первая фраза»\";\n"))
	c, st, clock := newTestCompiler(t, Options{RegistryURL: srv.URL})

	if _, err := c.UpdateFromRegistry(ctx, false); err != nil {
		t.Fatal(err)
	}
	before, _, _ := store.GetJSON[int64](ctx, st, KeyRegistryTimestamp)

	srv.down.Store(true)
	clock.Advance(time.Minute)
	res, err := c.UpdateFromRegistry(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.FromCache {
		t.Fatalf("res=%+v", res)
	}
	if after, _, _ := store.GetJSON[int64](ctx, st, KeyRegistryTimestamp); after != before {
		t.Fatalf("timestamp moved from %d to %d", before, after)
	}
}

func TestUpdateFromRegistryConcurrentCallersShareFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newRegistryServer(t, mustEncode(t, "1;\"«Первая фраза»\";\n"))
	c, _, _ := newTestCompiler(t, Options{RegistryURL: srv.URL})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.UpdateFromRegistry(ctx, false); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	// Late callers see fresh content instead of fetching again.
	if n := srv.hits.Load(); n != 1 {
		t.Fatalf("hits=%d", n)
	}
}

func TestUpdateFromRegistryWithoutSource(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCompiler(t, Options{})
	if _, err := c.UpdateFromRegistry(context.Background(), true); !errors.Is(err, ErrNoSource) {
		t.Fatalf("err=%v", err)
	}
	if _, err := c.LoadLocalRegistry(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadLocalRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "exportfsm.csv")
	data := mustEncode(t, "5;\"Сайт http://www.Bad-Site.ru/path «Тайное общество»\";01.01.2020\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	c, st, _ := newTestCompiler(t, Options{LocalRegistryPath: path})

	res, err := c.LoadLocalRegistry(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalPhrases != 1 || res.TotalURLs != 1 {
		t.Fatalf("res=%+v", res)
	}
	rs := c.Active()
	if !rs.BlockedPhrases.Has("тайное общество") || !rs.BlockedURLs.Has("bad-site.ru/path") {
		t.Fatalf("phrases=%v urls=%v", rs.Phrases(), rs.BlockedURLs)
	}
	if _, found, _ := store.GetJSON[int64](ctx, st, KeyRegistryTimestamp); found {
		t.Fatal("local load must not mark content fresh")
	}
}

func TestClearPhrases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newRegistryServer(t, mustEncode(t, "1;\"«Первая фраза»\";\n"))
	c, _, _ := newTestCompiler(t, Options{RegistryURL: srv.URL})

	if _, err := c.UpdateFromRegistry(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := c.AddUserRule(ctx, KindBlockedPhrase, "своя фраза"); err != nil {
		t.Fatal(err)
	}
	if err := c.ClearPhrases(ctx); err != nil {
		t.Fatal(err)
	}
	if got := c.Active().Phrases(); !slices.Equal(got, []string{"своя фраза"}) {
		t.Fatalf("phrases=%v", got)
	}
	if !c.NeedsRefresh(ctx) {
		t.Fatal("cleared content should need refresh")
	}
}

type failingStore struct {
	store.Store
	fail atomic.Bool
}

func (s *failingStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if s.fail.Load() {
		return nil, errors.New("store unavailable")
	}
	return s.Store.Get(ctx, keys...)
}

func TestReloadKeepsSnapshotOnStoreError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := &failingStore{Store: store.NewMemory()}
	c := NewCompiler(fs, parser.NewLoader("", 0), Options{})

	if err := c.AddUserRule(ctx, KindBlockedSite, "bad.com"); err != nil {
		t.Fatal(err)
	}
	before := c.Active()

	fs.fail.Store(true)
	if err := c.Reload(ctx); err == nil {
		t.Fatal("expected reload error")
	}
	if c.Active() != before {
		t.Fatal("snapshot should not change on failed reload")
	}
}

func TestBaselineMerged(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sites := filepath.Join(dir, "blocked-sites.json")
	phrases := filepath.Join(dir, "blocked-phrases.json")
	os.WriteFile(sites, []byte(`{"blocked": ["baseline.com", "mirror.net/forbidden", "https://www.Other.com/%D0%9F%D1%83%D1%82%D1%8C/", "not a host"]}`), 0644)
	os.WriteFile(phrases, []byte(`{
		"all_phrases": ["базовая фраза"],
		"categories": {"videos": ["базовая фраза"]},
		"search_engines": ["search.example.org"]
	}`), 0644)

	c, _, _ := newTestCompiler(t, Options{BaselineSites: sites, BaselinePhrases: phrases})
	rs := c.Active()
	if !rs.BlockedDomains.Has("baseline.com") || !rs.BlockedURLs.Has("mirror.net/forbidden") {
		t.Fatalf("domains=%v urls=%v", rs.BlockedDomains, rs.BlockedURLs)
	}
	if !rs.BlockedURLs.Has("other.com/путь") || len(rs.BlockedURLs) != 2 {
		t.Fatalf("bundled sites should be canonicalized, urls=%v", rs.BlockedURLs)
	}
	if rs.CategoryOf("базовая фраза") != parser.CategoryVideos {
		t.Fatalf("category=%q", rs.CategoryOf("базовая фраза"))
	}
	if rs.SearchEngineQueryParam["search.example.org"] != "q" || rs.SearchEngineQueryParam["yandex.ru"] != "text" {
		t.Fatalf("engines=%v", rs.SearchEngineQueryParam)
	}
	if !rs.PhraseExceptions.Has("история россии") {
		t.Fatal("default exceptions should be present")
	}
}

func TestUserURLRulesStoredCanonical(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, _ := newTestCompiler(t, Options{})

	if err := c.AddUserRule(ctx, KindAllowedURL, "https://badsite.org/page/?id=7"); err != nil {
		t.Fatal(err)
	}
	if err := c.AddUserRule(ctx, KindBlockedURL, "http://badsite.org/%D0%BF%D1%83%D1%82%D1%8C"); err != nil {
		t.Fatal(err)
	}
	rs := c.Active()
	if !rs.AllowedURLs.Has("badsite.org/page?id=7") {
		t.Fatalf("allowed urls=%v", rs.AllowedURLs)
	}
	if !rs.BlockedURLs.Has("badsite.org/путь") {
		t.Fatalf("blocked urls=%v", rs.BlockedURLs)
	}
}
