package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/hisr/internal/backend"
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/swin"
)

func testConfig() swin.ModelConfig {
	cfg := swin.DefaultModelConfig()
	cfg.ImgSize = 8
	cfg.InChans = 2
	cfg.EmbedDim = 4
	cfg.Depths = []int{2}
	cfg.NumHeads = []int{2}
	cfg.WindowSize = 4
	cfg.Kernel.Windows = 4
	return cfg
}

func newTestEcho(t *testing.T) (*echo.Echo, *ResultStore) {
	t.Helper()
	net, err := swin.NewNetwork(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	nn.Init(net, 1)
	store := NewResultStore(2)
	server := NewServer("test-model", net, backend.Serial(), store)
	e := echo.New()
	server.Register(e)
	return e, store
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func forwardBody(shape []int) string {
	n := 1
	for _, d := range shape {
		n *= d
	}
	vals := make([]string, n)
	for i := range vals {
		vals[i] = fmt.Sprintf("%g", float32(i%7)/7)
	}
	sh := make([]string, len(shape))
	for i, d := range shape {
		sh[i] = fmt.Sprint(d)
	}
	return `{"shape":[` + strings.Join(sh, ",") + `],"data":[` + strings.Join(vals, ",") + `]}`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ResponseError {
	t.Helper()
	var body struct {
		Error ResponseError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func TestModelInfo(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var info ModelInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ID != "test-model" || info.Object != "model" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if fmt.Sprint(info.OutputShape) != "[1 4 8 8]" {
		t.Fatalf("output shape %v", info.OutputShape)
	}
	if info.Params == 0 || info.FLOPs == 0 {
		t.Fatalf("expected params and flops, got %d and %d", info.Params, info.FLOPs)
	}
	if info.Config.Kernel.Windows != 4 {
		t.Fatalf("config not echoed: %+v", info.Config)
	}
}

func TestForwardLifecycle(t *testing.T) {
	t.Parallel()
	e, store := newTestEcho(t)

	rec := doJSON(t, e, http.MethodPost, "/v1/forward", forwardBody([]int{2, 2, 8, 8}))
	if rec.Code != http.StatusOK {
		t.Fatalf("forward status %d body=%s", rec.Code, rec.Body.String())
	}
	var created ForwardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode forward: %v", err)
	}
	if !strings.HasPrefix(created.ID, "fwd_") {
		t.Fatalf("unexpected id %q", created.ID)
	}
	if fmt.Sprint(created.Shape) != "[2 4 8 8]" || len(created.Data) != 2*4*8*8 {
		t.Fatalf("unexpected output shape %v with %d values", created.Shape, len(created.Data))
	}
	if store.Len() != 1 {
		t.Fatalf("expected stored result, store has %d", store.Len())
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/forward/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status %d", getRec.Code)
	}
	var fetched ForwardResponse
	if err := json.Unmarshal(getRec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode get: %v", err)
	}
	if fetched.ID != created.ID || len(fetched.Data) != len(created.Data) {
		t.Fatalf("fetched %q with %d values", fetched.ID, len(fetched.Data))
	}

	if rec := doJSON(t, e, http.MethodDelete, "/v1/forward/"+created.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/forward/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodDelete, "/v1/forward/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status %d", rec.Code)
	}
}

func TestForwardWithoutStore(t *testing.T) {
	t.Parallel()
	e, store := newTestEcho(t)
	body := strings.TrimSuffix(forwardBody([]int{1, 2, 8, 8}), "}") + `,"store":false}`
	rec := doJSON(t, e, http.MethodPost, "/v1/forward", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if store.Len() != 0 {
		t.Fatalf("store has %d results, want 0", store.Len())
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	tests := map[string]struct {
		body  string
		param string
	}{
		"malformed":     {body: `{"shape":`},
		"missing shape": {body: `{"data":[1,2]}`, param: "shape"},
		"wrong image":   {body: forwardBody([]int{1, 2, 4, 4})},
		"wrong count":   {body: `{"shape":[1,2,8,8],"data":[1,2,3]}`},
		"big batch":     {body: forwardBody([]int{MaxBatch + 1, 1, 1, 1}), param: "shape"},
	}
	for name, tc := range tests {
		rec := doJSON(t, e, http.MethodPost, "/v1/forward", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d body=%s", name, rec.Code, rec.Body.String())
			continue
		}
		got := decodeError(t, rec)
		if got.Type != "invalid_request_error" || got.Message == "" || got.Param != tc.param {
			t.Errorf("%s: error %+v", name, got)
		}
	}
}

func TestResultStoreEvictsOldest(t *testing.T) {
	t.Parallel()
	s := NewResultStore(2)
	for _, id := range []string{"a", "b", "c"} {
		s.Put(ForwardResponse{ID: id})
	}
	if _, ok := s.Get("a"); ok {
		t.Fatal("oldest result was not evicted")
	}
	for _, id := range []string{"b", "c"} {
		if _, ok := s.Get(id); !ok {
			t.Fatalf("result %s missing", id)
		}
	}
	s.Put(ForwardResponse{ID: "b"})
	s.Put(ForwardResponse{ID: "d"})
	if _, ok := s.Get("b"); ok {
		t.Fatal("re-putting b should not refresh its age")
	}
	if _, ok := s.Get("c"); !ok {
		t.Fatal("result c missing")
	}
	if s.Len() != 2 {
		t.Fatalf("len %d", s.Len())
	}
}
