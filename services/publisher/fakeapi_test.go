package publisher

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"relpub/pkg/jsonapi"
)

const (
	testAccount = "acct-1"
	testProduct = "prod-1"
	testToken   = "prod-token"
)

type recordedCall struct {
	Method      string
	Path        string
	ContentType string
	Body        []byte
}

// fakeAPI is an in-memory release-management API with a storage endpoint that accepts the content
// uploads it authorises.
type fakeAPI struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	calls        []recordedCall
	releases     map[string]map[string]any
	versions     map[string]bool
	nextRelease  int
	nextArtifact int
	uploads      map[string][]byte
	uploadStatus int
	storageBase  string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()

	f := &fakeAPI{
		t:        t,
		releases: make(map[string]map[string]any),
		versions: make(map[string]bool),
		uploads:  make(map[string][]byte),
	}

	r := chi.NewRouter()
	r.Route("/v1/accounts/{account}", func(r chi.Router) {
		r.Use(f.checkHeaders)
		r.Post("/releases", f.createRelease)
		r.Post("/artifacts", f.createArtifact)
		r.Post("/releases/{id}/actions/publish", f.publishRelease)
	})
	r.Put("/storage/{id}", f.store)

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	f.storageBase = f.srv.URL + "/storage/"
	return f
}

func (f *fakeAPI) config() Config {
	return Config{
		AccountID:    testAccount,
		ProductToken: testToken,
		ProductID:    testProduct,
		BaseURL:      f.srv.URL,
	}
}

func (f *fakeAPI) client(t *testing.T, opts ...Option) *Client {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c, err := NewClient(f.config(), append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return c
}

func (f *fakeAPI) record(r *http.Request) []byte {
	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{
		Method:      r.Method,
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})
	return body
}

// Calls returns "METHOD path" for every request the fake received, in order.
func (f *fakeAPI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Method+" "+c.Path)
	}
	return out
}

func (f *fakeAPI) call(i int) recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Less(f.t, i, len(f.calls))
	return f.calls[i]
}

func (f *fakeAPI) Uploads() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.uploads))
	for k, v := range f.uploads {
		out[k] = v
	}
	return out
}

func (f *fakeAPI) checkHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeErrors(w, http.StatusUnauthorized, jsonapi.Error{Title: "Unauthorized", Detail: "must be authenticated"})
			return
		}
		if r.Header.Get("Accept") != jsonapi.MediaType || r.Header.Get("Keygen-Version") != "1.3" {
			writeErrors(w, http.StatusBadRequest, jsonapi.Error{Title: "Bad Request", Detail: "unsupported media type or version"})
			return
		}
		if chi.URLParam(r, "account") != testAccount {
			writeErrors(w, http.StatusNotFound, jsonapi.Error{Title: "Not found", Detail: "account not found"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type requestDoc struct {
	Data struct {
		Type          string                    `json:"type"`
		Attributes    map[string]any            `json:"attributes"`
		Relationships map[string]map[string]any `json:"relationships"`
	} `json:"data"`
}

func (f *fakeAPI) decode(w http.ResponseWriter, r *http.Request) (*requestDoc, bool) {
	body := f.record(r)
	if r.Header.Get("Content-Type") != jsonapi.MediaType {
		writeErrors(w, http.StatusUnsupportedMediaType, jsonapi.Error{Title: "Unsupported Media Type", Detail: r.Header.Get("Content-Type")})
		return nil, false
	}
	var doc requestDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		writeErrors(w, http.StatusBadRequest, jsonapi.Error{Title: "Bad Request", Detail: err.Error()})
		return nil, false
	}
	return &doc, true
}

func (f *fakeAPI) createRelease(w http.ResponseWriter, r *http.Request) {
	doc, ok := f.decode(w, r)
	if !ok {
		return
	}
	version, _ := doc.Data.Attributes["version"].(string)

	f.mu.Lock()
	if f.versions[version] {
		f.mu.Unlock()
		writeErrors(w, http.StatusUnprocessableEntity, jsonapi.Error{Title: "Bad Request", Detail: "version has already been taken"})
		return
	}
	f.versions[version] = true
	id := "abc123"
	if f.nextRelease > 0 {
		id = fmt.Sprintf("rel-%d", f.nextRelease)
	}
	f.nextRelease++
	attrs := map[string]any{
		"version": version,
		"channel": doc.Data.Attributes["channel"],
		"name":    doc.Data.Attributes["name"],
		"tag":     doc.Data.Attributes["tag"],
		"status":  "DRAFT",
	}
	f.releases[id] = attrs
	f.mu.Unlock()

	writeResource(w, http.StatusCreated, nil, map[string]any{
		"id":         id,
		"type":       "releases",
		"attributes": attrs,
		"links":      map[string]any{"self": "/v1/accounts/" + testAccount + "/releases/" + id},
	})
}

func (f *fakeAPI) createArtifact(w http.ResponseWriter, r *http.Request) {
	doc, ok := f.decode(w, r)
	if !ok {
		return
	}
	rel, _ := doc.Data.Relationships["release"]["data"].(map[string]any)
	releaseID, _ := rel["id"].(string)

	f.mu.Lock()
	_, known := f.releases[releaseID]
	f.nextArtifact++
	id := fmt.Sprintf("art-%d", f.nextArtifact)
	f.mu.Unlock()

	if !known {
		writeErrors(w, http.StatusUnprocessableEntity, jsonapi.Error{Title: "Unprocessable Entity", Detail: "release must exist"})
		return
	}

	attrs := doc.Data.Attributes
	attrs["status"] = "WAITING"
	header := http.Header{"Location": []string{f.storageBase + id}}
	writeResource(w, http.StatusTemporaryRedirect, header, map[string]any{
		"id":         id,
		"type":       "artifacts",
		"attributes": attrs,
		"relationships": map[string]any{
			"release": map[string]any{"data": map[string]any{"type": "releases", "id": releaseID}},
		},
		"links": map[string]any{"self": "/v1/accounts/" + testAccount + "/artifacts/" + id},
	})
}

func (f *fakeAPI) publishRelease(w http.ResponseWriter, r *http.Request) {
	f.record(r)
	id := chi.URLParam(r, "id")

	f.mu.Lock()
	attrs, ok := f.releases[id]
	if ok {
		attrs["status"] = "PUBLISHED"
	}
	f.mu.Unlock()

	if !ok {
		writeErrors(w, http.StatusNotFound, jsonapi.Error{Title: "Not found", Detail: "release not found"})
		return
	}
	writeResource(w, http.StatusOK, nil, map[string]any{
		"id":         id,
		"type":       "releases",
		"attributes": attrs,
		"links":      map[string]any{"self": "/v1/accounts/" + testAccount + "/releases/" + id},
	})
}

func (f *fakeAPI) store(w http.ResponseWriter, r *http.Request) {
	body := f.record(r)

	f.mu.Lock()
	status := f.uploadStatus
	if status == 0 || status < 300 {
		f.uploads[chi.URLParam(r, "id")] = body
	}
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if status >= 300 {
		_, _ = io.WriteString(w, "storage unavailable")
	}
}

func writeResource(w http.ResponseWriter, status int, header http.Header, data map[string]any) {
	for k, v := range header {
		w.Header()[k] = v
	}
	w.Header().Set("Content-Type", jsonapi.MediaType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeErrors(w http.ResponseWriter, status int, errs ...jsonapi.Error) {
	w.Header().Set("Content-Type", jsonapi.MediaType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"errors": errs})
}
