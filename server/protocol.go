package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"safelink/engine"
	"safelink/rules"
)

// errBadRequest marks request errors the client can fix.
var errBadRequest = errors.New("bad request")

// request is one protocol variant. The set is closed: only types in this
// package can implement it, and every action in actions must.
type request interface {
	handle(ctx context.Context, a *API) (any, error)
}

var actions = map[string]func() request{
	"checkUrl":                  func() request { return &checkURLRequest{} },
	"checkPhrase":               func() request { return &checkPhraseRequest{} },
	"checkSearch":               func() request { return &checkSearchRequest{} },
	"checkNavigation":           func() request { return &checkNavigationRequest{} },
	"getSettings":               func() request { return &getSettingsRequest{} },
	"updateSettings":            func() request { return &updateSettingsRequest{} },
	"allowSite":                 func() request { return &allowSiteRequest{} },
	"openUrl":                   func() request { return &openURLRequest{} },
	"addUserRule":               func() request { return &addUserRuleRequest{} },
	"removeUserRule":            func() request { return &removeUserRuleRequest{} },
	"takeRedirect":              func() request { return &takeRedirectRequest{} },
	"getUserLists":              func() request { return &getUserListsRequest{} },
	"reloadSiteLists":           func() request { return &reloadRequest{} },
	"updatePhrasesFromRegistry": func() request { return &updateRegistryRequest{} },
	"loadPhrasesFromLocalFile":  func() request { return &loadLocalRequest{} },
	"clearAllPhrases":           func() request { return &clearPhrasesRequest{} },
	"getPhrasesList":            func() request { return &listPhrasesRequest{} },
	"getPhrasesInfo":            func() request { return &phrasesInfoRequest{} },
	"getPhraseStats":            func() request { return &phraseStatsRequest{} },
	"getSearchEngines":          func() request { return &searchEnginesRequest{} },
	"exportLists":               func() request { return &exportListsRequest{} },
	"importLists":               func() request { return &importListsRequest{} },
}

// decodeRequest picks the variant named by the action field and decodes the
// whole body into it.
func decodeRequest(body []byte) (request, error) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	newReq, ok := actions[head.Action]
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", errBadRequest, head.Action)
	}
	req := newReq()
	if err := json.Unmarshal(body, req); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, head.Action, err)
	}
	return req, nil
}

type checkURLRequest struct {
	URL string `json:"url"`
}

func (r *checkURLRequest) handle(_ context.Context, a *API) (any, error) {
	return a.engine.CheckURL(r.URL), nil
}

type checkPhraseRequest struct {
	Phrase string `json:"phrase"`
}

func (r *checkPhraseRequest) handle(ctx context.Context, a *API) (any, error) {
	return a.engine.CheckPhrase(ctx, r.Phrase), nil
}

type checkSearchRequest struct {
	URL string `json:"url"`
}

func (r *checkSearchRequest) handle(ctx context.Context, a *API) (any, error) {
	return a.engine.CheckSearch(ctx, r.URL), nil
}

type checkNavigationRequest struct {
	URL   string `json:"url"`
	TabID *int   `json:"tabId"`
}

func (r *checkNavigationRequest) handle(ctx context.Context, a *API) (any, error) {
	if r.TabID != nil {
		return a.engine.OnBeforeNavigate(ctx, r.URL, *r.TabID), nil
	}
	return a.engine.CheckNavigation(ctx, r.URL), nil
}

type takeRedirectRequest struct {
	TabID int `json:"tabId"`
}

func (r *takeRedirectRequest) handle(_ context.Context, a *API) (any, error) {
	var res struct {
		Redirect string `json:"redirect,omitempty"`
		Pending  bool   `json:"pending"`
	}
	if a.redirects != nil {
		res.Redirect, res.Pending = a.redirects.Take(r.TabID)
	}
	return res, nil
}

type getSettingsRequest struct{}

func (r *getSettingsRequest) handle(ctx context.Context, a *API) (any, error) {
	return struct {
		Settings engine.Settings `json:"settings"`
	}{a.engine.Settings(ctx)}, nil
}

type updateSettingsRequest struct {
	Settings json.RawMessage `json:"settings"`
}

func (r *updateSettingsRequest) handle(ctx context.Context, a *API) (any, error) {
	s, err := a.engine.UpdateSettings(ctx, r.Settings)
	if err != nil {
		return nil, err
	}
	return struct {
		Settings engine.Settings `json:"settings"`
	}{s}, nil
}

type allowSiteRequest struct {
	URL string `json:"url"`
}

func (r *allowSiteRequest) handle(ctx context.Context, a *API) (any, error) {
	host, err := a.compiler.AllowSite(ctx, r.URL)
	if err != nil {
		return nil, err
	}
	return struct {
		Domain string `json:"domain"`
	}{host}, nil
}

type openURLRequest struct {
	URL string `json:"url"`
}

func (r *openURLRequest) handle(ctx context.Context, a *API) (any, error) {
	u, err := url.Parse(r.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid URL format", errBadRequest)
	}
	if err := a.ignored.Add(ctx, r.URL); err != nil {
		return nil, err
	}
	a.engine.RecordIgnored(ctx)
	return struct {
		Redirect bool `json:"redirect"`
	}{true}, nil
}

type addUserRuleRequest struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

func (r *addUserRuleRequest) handle(ctx context.Context, a *API) (any, error) {
	kind, err := rules.ParseKind(r.Kind)
	if err != nil {
		return nil, err
	}
	return nil, a.compiler.AddUserRule(ctx, kind, r.Value)
}

type removeUserRuleRequest struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

func (r *removeUserRuleRequest) handle(ctx context.Context, a *API) (any, error) {
	kind, err := rules.ParseKind(r.Kind)
	if err != nil {
		return nil, err
	}
	return nil, a.compiler.RemoveUserRule(ctx, kind, r.Value)
}

type getUserListsRequest struct{}

func (r *getUserListsRequest) handle(ctx context.Context, a *API) (any, error) {
	lists, err := a.compiler.UserLists(ctx)
	if err != nil {
		return nil, err
	}
	return struct {
		Lists map[rules.Kind][]string `json:"lists"`
	}{lists}, nil
}

type reloadRequest struct{}

func (r *reloadRequest) handle(ctx context.Context, a *API) (any, error) {
	return nil, a.compiler.Reload(ctx)
}

type updateRegistryRequest struct {
	Force bool `json:"force"`
}

func (r *updateRegistryRequest) handle(ctx context.Context, a *API) (any, error) {
	return a.compiler.UpdateFromRegistry(ctx, r.Force)
}

type loadLocalRequest struct{}

func (r *loadLocalRequest) handle(ctx context.Context, a *API) (any, error) {
	return a.compiler.LoadLocalRegistry(ctx)
}

type clearPhrasesRequest struct{}

func (r *clearPhrasesRequest) handle(ctx context.Context, a *API) (any, error) {
	return nil, a.compiler.ClearPhrases(ctx)
}

type listPhrasesRequest struct {
	rules.ListQuery
}

func (r *listPhrasesRequest) handle(_ context.Context, a *API) (any, error) {
	items, page := rules.ListPhrases(a.compiler.Active(), r.ListQuery)
	return struct {
		Phrases    []rules.PhraseItem `json:"phrases"`
		Pagination rules.Pagination   `json:"pagination"`
	}{items, page}, nil
}

type phrasesInfoRequest struct{}

func (r *phrasesInfoRequest) handle(ctx context.Context, a *API) (any, error) {
	return a.compiler.Info(ctx)
}

type phraseStatsRequest struct{}

func (r *phraseStatsRequest) handle(ctx context.Context, a *API) (any, error) {
	return a.engine.PhraseStats(ctx), nil
}

type searchEnginesRequest struct{}

func (r *searchEnginesRequest) handle(_ context.Context, a *API) (any, error) {
	return struct {
		SearchEngines []engine.SearchEngine `json:"searchEngines"`
	}{a.engine.SearchEngines()}, nil
}

type exportListsRequest struct {
	Format string `json:"format"`
}

func (r *exportListsRequest) handle(ctx context.Context, a *API) (any, error) {
	format, err := rules.ParseFormat(r.Format)
	if err != nil {
		return nil, err
	}
	data, err := a.compiler.ExportLists(ctx, format)
	if err != nil {
		return nil, err
	}
	return struct {
		Format rules.Format `json:"format"`
		Data   string       `json:"data"`
	}{format, string(data)}, nil
}

type importListsRequest struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

func (r *importListsRequest) handle(ctx context.Context, a *API) (any, error) {
	format, err := rules.ParseFormat(r.Format)
	if err != nil {
		return nil, err
	}
	return a.compiler.ImportLists(ctx, format, []byte(r.Data))
}
