package forwardemail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

// fakeAPI is a minimal Forward Email server.
type fakeAPI struct {
	mu        sync.Mutex
	domains   map[string]string
	aliases   map[string][]map[string]any
	listShape string
	passwords map[string]string
	noCreds   bool
	calls     map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		domains:   map[string]string{},
		aliases:   map[string][]map[string]any{},
		passwords: map[string]string{},
		calls:     map[string]int{},
	}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if user, _, ok := r.BasicAuth(); !ok || user != "tok" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid API token"}`))
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1"), "/"), "/")
	f.calls[r.Method+" "+strings.Join(parts[:min(len(parts), 3)], "/")]++

	switch {
	case r.Method == http.MethodPost && len(parts) == 1:
		var body struct{ Domain string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := f.domains[body.Domain]; ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"Domain already exists in your account"}`))
			return
		}
		id := "d" + strconv.Itoa(len(f.domains)+1)
		f.domains[body.Domain] = id
		writeJSON(w, map[string]any{"id": id, "name": body.Domain, "verification_record": "tok-" + id})

	case r.Method == http.MethodGet && len(parts) == 2:
		id, ok := f.domains[parts[1]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"id": id, "name": parts[1], "verification_record": "tok-" + id,
			"has_mx_record": true, "has_txt_record": false, "plan": "enhanced_protection",
		})

	case r.Method == http.MethodPost && len(parts) == 3:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, a := range f.aliases[parts[1]] {
			if a["name"] == body["name"] {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"message":"Alias already exists for domain."}`))
				return
			}
		}
		alias := map[string]any{"id": "a" + strconv.Itoa(len(f.aliases[parts[1]])+1), "name": body["name"], "recipients": body["recipients"]}
		f.aliases[parts[1]] = append(f.aliases[parts[1]], alias)
		writeJSON(w, alias)

	case r.Method == http.MethodGet && len(parts) == 3:
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		all := f.aliases[parts[1]]
		start := min((page-1)*limit, len(all))
		end := min(start+limit, len(all))
		items := all[start:end]
		pages := (len(all) + limit - 1) / limit
		switch f.listShape {
		case "results":
			w.Header().Set("X-Page-Count", strconv.Itoa(pages))
			writeJSON(w, map[string]any{"results": items, "page": page})
		case "data":
			writeJSON(w, map[string]any{"data": items})
		default:
			w.Header().Set("X-Page-Count", strconv.Itoa(pages))
			writeJSON(w, items)
		}

	case r.Method == http.MethodPost && len(parts) == 5 && parts[4] == "generate-password":
		if f.noCreds {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"Please upgrade your plan"}`))
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.passwords[parts[3]] = body["new_password"].(string)
		writeJSON(w, map[string]any{"username": parts[3]})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, api *fakeAPI, pageSize int) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/v1", Token: "tok", PageSize: pageSize})
	require.NoError(t, err)
	return c
}

func TestRegisterDomain_IdempotentFetch(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api, 50)
	ctx := context.Background()

	first, err := c.RegisterDomain(ctx, "a.com")
	require.NoError(t, err)
	assert.Equal(t, "d1", first.ID)
	assert.Equal(t, "tok-d1", first.VerificationToken)

	again, err := c.RegisterDomain(ctx, "a.com")
	require.NoError(t, err, "already registered must be a fetch")
	assert.Equal(t, *first, *again)
	assert.Equal(t, 1, api.calls["GET domains/a.com"])
}

func TestGetDomainStatus(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api, 50)
	ctx := context.Background()

	_, err := c.RegisterDomain(ctx, "a.com")
	require.NoError(t, err)

	status, err := c.GetDomainStatus(ctx, "a.com")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"has_mx_record": true, "has_txt_record": false}, status.Predicates)

	_, err = c.GetDomainStatus(ctx, "missing.com")
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
	var pe *engine.ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, OpGetDomainStatus, pe.Op)
	assert.Equal(t, "missing.com", pe.Domain)
}

func TestCreateAlias_ConflictIsCoded(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api, 50)
	ctx := context.Background()

	id, err := c.CreateAlias(ctx, "a.com", "sales", []string{"me@b.com"})
	require.NoError(t, err)
	assert.Equal(t, "a1", id)

	_, err = c.CreateAlias(ctx, "a.com", "sales", []string{"me@b.com"})
	assert.True(t, engine.HasCode(err, engine.ErrCodeConflict))
	assert.True(t, engine.IsPermanent(err))
}

func TestListAliases_Shapes(t *testing.T) {
	for _, shape := range []string{"array", "results", "data"} {
		t.Run(shape, func(t *testing.T) {
			api := newFakeAPI()
			api.listShape = shape
			c := newTestClient(t, api, 2)
			ctx := context.Background()

			for _, name := range []string{"one", "two", "three"} {
				_, err := c.CreateAlias(ctx, "a.com", name, []string{"me@b.com"})
				require.NoError(t, err)
			}

			aliases, err := c.ListAliases(ctx, "a.com")
			require.NoError(t, err)
			require.Len(t, aliases, 3)
			assert.Equal(t, "three", aliases[2].LocalPart)
			assert.Equal(t, []string{"me@b.com"}, aliases[0].Recipients)
		})
	}
}

func TestSetAliasCredential(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api, 50)
	ctx := context.Background()

	require.NoError(t, c.SetAliasCredential(ctx, "a.com", "a1", "s3cret"))
	assert.Equal(t, "s3cret", api.passwords["a1"])

	api.noCreds = true
	err := c.SetAliasCredential(ctx, "a.com", "a1", "x")
	assert.True(t, engine.HasCode(err, engine.ErrCodeForbidden))
	assert.True(t, engine.IsPermanent(err))
}

func TestUnauthorizedIsCritical(t *testing.T) {
	srv := httptest.NewServer(newFakeAPI())
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/v1", Token: "wrong"})
	require.NoError(t, err)

	_, err = c.RegisterDomain(context.Background(), "a.com")
	assert.True(t, engine.IsCritical(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeUnauthorized))
}

func TestNormalizeAliases(t *testing.T) {
	tests := []struct {
		name string
		doc  any
		want int
	}{
		{"nil", nil, 0},
		{"array", []any{map[string]any{"id": "1", "name": "x"}}, 1},
		{"results", map[string]any{"results": []any{map[string]any{"id": "1"}, map[string]any{"id": "2"}}}, 2},
		{"aliases", map[string]any{"aliases": []any{map[string]any{"id": float64(7)}}}, 1},
		{"single", map[string]any{"id": "1", "name": "x", "recipients": "a@b.com, c@d.com"}, 1},
		{"no id dropped", []any{map[string]any{"name": "x"}, "junk"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeAliases(tt.doc, DefaultListPaths)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}

	single, _ := normalizeAliases(map[string]any{"id": "1", "recipients": "a@b.com, c@d.com"}, DefaultListPaths)
	assert.Equal(t, []string{"a@b.com", "c@d.com"}, single[0].Recipients)

	numeric, _ := normalizeAliases(map[string]any{"aliases": []any{map[string]any{"id": float64(7)}}}, DefaultListPaths)
	assert.Equal(t, "7", numeric[0].ID)

	_, err := normalizeAliases(map[string]any{"unexpected": true}, DefaultListPaths)
	assert.Error(t, err)
	_, err = normalizeAliases("text", DefaultListPaths)
	assert.Error(t, err)
}
