package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"presence/internal/attendance"
	"presence/internal/auth"
	"presence/internal/directory"
	"presence/internal/faceclient"
	"presence/internal/geofence"
	"presence/internal/httpmiddleware"
	"presence/internal/identity"
	"presence/internal/window"
)

const (
	signingKey = "handler-test-key"
	issuer     = "presence-test"
)

type stubExtractor map[string][]float32

func (s stubExtractor) Extract(_ context.Context, image []byte) (faceclient.Result, error) {
	emb, ok := s[string(image)]
	if !ok {
		return faceclient.Result{}, nil
	}
	return faceclient.Result{FacesDetected: 1, Embedding: emb}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

type server struct {
	router  *gin.Engine
	handler *Handler
	clock   *testClock
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := directory.NewMemory()
	dir.PutSubject(1, 1)
	dir.PutSubject(2, 2)
	dir.PutParticipant(directory.Participant{ID: 1, Role: directory.RoleStudent, BatchID: 1, Embedding: []float32{0, 0}, Latitude: "25.632935", Longitude: "85.101305"})
	dir.PutParticipant(directory.Participant{ID: 2, Role: directory.RoleStudent, BatchID: 1, Embedding: []float32{4, 4}, Latitude: "25.700000", Longitude: "85.200000"})

	clock := &testClock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	wstore := window.NewMemory()
	windows := window.NewManager(wstore, dir, window.Options{Now: clock.Now})

	resolver, err := identity.NewResolver(dir, identity.Strategy{Name: "test", Metric: identity.Euclidean, Threshold: 0.8, Dimensions: 2})
	if err != nil {
		t.Fatal(err)
	}
	boundary, err := geofence.PolygonFromLatLon([][2]float64{
		{25.632875, 85.101206}, {25.632820, 85.101317}, {25.632982, 85.101409}, {25.633035, 85.101295},
	})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := attendance.NewService(attendance.Deps{
		Windows:   windows,
		Records:   attendance.NewMemoryRepository(wstore),
		Directory: dir,
		Resolver:  resolver,
		Extractor: stubExtractor{"face-1": {0, 0}, "face-2": {4, 4}},
		Boundary:  boundary,
	})
	if err != nil {
		t.Fatal(err)
	}

	h := New(windows, svc)
	r := gin.New()
	r.Use(httpmiddleware.RequestID())
	h.Register(r.Group("/v1", auth.Bearer(signingKey, issuer)))
	return &server{router: r, handler: h, clock: clock}
}

func token(t *testing.T, id int64, role directory.Role) string {
	t.Helper()
	tok, err := auth.Issue(id, role, issuer, signingKey, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + tok
}

func (s *server) do(t *testing.T, method, path, authz, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) postJSON(t *testing.T, path, authz string, v any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return s.do(t, http.MethodPost, path, authz, "application/json", raw)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

type windowBody struct {
	ID       int64 `json:"id"`
	Batch    int64 `json:"batch"`
	Subject  int64 `json:"subject"`
	Active   bool  `json:"active"`
	Open     bool  `json:"open"`
	Duration int   `json:"duration"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func TestWindowLifecycleOverHTTP(t *testing.T) {
	s := newServer(t)
	teacher := token(t, 100, directory.RoleTeacher)

	w := s.postJSON(t, "/v1/window", teacher, map[string]any{"batch": 1, "subject": 1, "active": true, "duration": 30})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: %d %s", w.Code, w.Body.String())
	}
	opened := decode[windowBody](t, w)
	if !opened.Active || !opened.Open || opened.Duration != 30 {
		t.Fatalf("opened = %+v", opened)
	}

	w = s.do(t, http.MethodGet, "/v1/window?batch=1&subject=1", teacher, "", nil)
	if w.Code != http.StatusOK || decode[windowBody](t, w).ID != opened.ID {
		t.Fatalf("get active: %d %s", w.Code, w.Body.String())
	}

	s.clock.Advance(31 * time.Second)
	w = s.do(t, http.MethodGet, "/v1/window?batch=1&subject=1", teacher, "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expired window: %d %s", w.Code, w.Body.String())
	}

	w = s.do(t, http.MethodGet, "/v1/windows/"+strconv.FormatInt(opened.ID, 10), teacher, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get by id: %d", w.Code)
	}
	if got := decode[windowBody](t, w); got.Active || got.Open {
		t.Fatalf("expired window should be stored inactive, got %+v", got)
	}

	w = s.postJSON(t, "/v1/window", teacher, map[string]any{"batch": 1, "subject": 1, "active": true})
	if w.Code != http.StatusOK {
		t.Fatalf("reopen: %d %s", w.Code, w.Body.String())
	}
	if got := decode[windowBody](t, w); got.ID != opened.ID || !got.Open {
		t.Fatalf("reopen = %+v", got)
	}
}

func TestWindowRequestErrors(t *testing.T) {
	s := newServer(t)
	teacher := token(t, 100, directory.RoleTeacher)
	student := token(t, 1, directory.RoleStudent)

	tests := []struct {
		name   string
		method string
		path   string
		authz  string
		body   any
		status int
		kind   string
	}{
		{"student cannot open", http.MethodPost, "/v1/window", student, map[string]any{"batch": 1, "subject": 1, "active": true}, http.StatusForbidden, "unauthorized"},
		{"active missing", http.MethodPost, "/v1/window", teacher, map[string]any{"batch": 1, "subject": 1}, http.StatusBadRequest, "invalid_request"},
		{"subject of other batch", http.MethodPost, "/v1/window", teacher, map[string]any{"batch": 1, "subject": 2, "active": true}, http.StatusBadRequest, "invalid_request"},
		{"unknown batch", http.MethodPost, "/v1/window", teacher, map[string]any{"batch": 9, "subject": 1, "active": true}, http.StatusNotFound, "not_found"},
		{"duration past column range", http.MethodPost, "/v1/window", teacher, map[string]any{"batch": 1, "subject": 1, "active": true, "duration": 3e9}, http.StatusBadRequest, "invalid_request"},
		{"duration past time range", http.MethodPost, "/v1/window", teacher, map[string]any{"batch": 1, "subject": 1, "active": true, "duration": 1e10}, http.StatusBadRequest, "invalid_request"},
		{"duration far past time range", http.MethodPost, "/v1/window", teacher, map[string]any{"batch": 1, "subject": 1, "active": true, "duration": 1e12}, http.StatusBadRequest, "invalid_request"},
		{"query missing subject", http.MethodGet, "/v1/window?batch=1", teacher, nil, http.StatusBadRequest, "invalid_request"},
		{"query not a number", http.MethodGet, "/v1/window?batch=x&subject=1", teacher, nil, http.StatusBadRequest, "invalid_request"},
		{"no open window", http.MethodGet, "/v1/window?batch=1&subject=1", teacher, nil, http.StatusNotFound, "not_found"},
		{"unknown id", http.MethodGet, "/v1/windows/77", teacher, nil, http.StatusNotFound, "not_found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var w *httptest.ResponseRecorder
			if tc.method == http.MethodPost {
				w = s.postJSON(t, tc.path, tc.authz, tc.body)
			} else {
				w = s.do(t, tc.method, tc.path, tc.authz, "", nil)
			}
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.status, w.Body.String())
			}
			if got := decode[errorBody](t, w); got.Kind != tc.kind || got.Error == "" {
				t.Fatalf("body = %+v, want kind %q", got, tc.kind)
			}
		})
	}
}

func TestUnauthenticated(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/v1/window?batch=1&subject=1", "", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func multipartBody(t *testing.T, windowID string, image []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if windowID != "" {
		_ = mw.WriteField("window_id", windowID)
	}
	if image != nil {
		part, err := mw.CreateFormFile("image", "face.jpg")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write(image)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), mw.FormDataContentType()
}

type markBody struct {
	Record   attendance.Record `json:"record"`
	Created  bool              `json:"created"`
	Distance float64           `json:"distance"`
}

func TestCallerFromOtherAuthenticators(t *testing.T) {
	s := newServer(t)
	r := gin.New()
	s.handler.Register(r.Group("/session", func(c *gin.Context) {
		auth.WithActor(c, directory.Actor{ID: 100, Role: directory.RoleTeacher})
	}))
	s.handler.Register(r.Group("/anonymous"))

	send := func(path string) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(map[string]any{"batch": 1, "subject": 1, "active": true})
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := send("/session/window")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if got := decode[windowBody](t, w); !got.Active || got.Batch != 1 {
		t.Fatalf("window = %+v", got)
	}

	w = send("/anonymous/window")
	if w.Code != http.StatusForbidden {
		t.Fatalf("no caller: status = %d", w.Code)
	}
	if got := decode[errorBody](t, w); got.Kind != "unauthorized" {
		t.Fatalf("no caller: body = %+v", got)
	}
}

func TestMarkRecordOverHTTP(t *testing.T) {
	s := newServer(t)
	teacher := token(t, 100, directory.RoleTeacher)
	student := token(t, 1, directory.RoleStudent)

	w := s.postJSON(t, "/v1/window", teacher, map[string]any{"batch": 1, "subject": 1, "active": true, "duration": 600})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: %d", w.Code)
	}
	win := decode[windowBody](t, w)
	id := strconv.FormatInt(win.ID, 10)

	body, ct := multipartBody(t, id, []byte("face-1"))
	w = s.do(t, http.MethodPost, "/v1/record", student, ct, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("first mark: %d %s", w.Code, w.Body.String())
	}
	first := decode[markBody](t, w)
	if !first.Created || first.Record.Status != attendance.StatusPresent || first.Record.ParticipantID != 1 {
		t.Fatalf("first = %+v", first)
	}

	w = s.postJSON(t, "/v1/record", student, map[string]any{
		"window_id": win.ID,
		"image":     "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("face-1")),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("second mark: %d %s", w.Code, w.Body.String())
	}
	second := decode[markBody](t, w)
	if second.Created || second.Record.ID != first.Record.ID {
		t.Fatalf("second = %+v", second)
	}
}

func TestMarkRecordErrors(t *testing.T) {
	s := newServer(t)
	teacher := token(t, 100, directory.RoleTeacher)
	student := token(t, 1, directory.RoleStudent)
	outsider := token(t, 2, directory.RoleStudent)

	w := s.postJSON(t, "/v1/window", teacher, map[string]any{"batch": 1, "subject": 1, "active": true, "duration": 600})
	win := decode[windowBody](t, w)
	id := strconv.FormatInt(win.ID, 10)

	noWindow, ct1 := multipartBody(t, "", []byte("face-1"))
	noImage, ct2 := multipartBody(t, id, nil)
	noFace, ct3 := multipartBody(t, id, []byte("wall"))
	outside, ct4 := multipartBody(t, id, []byte("face-2"))
	wrongFace, ct5 := multipartBody(t, id, []byte("face-2"))
	parentReq, ct6 := multipartBody(t, id, []byte("face-1"))

	tests := []struct {
		name   string
		authz  string
		ct     string
		body   []byte
		status int
		kind   string
	}{
		{"missing window id", student, ct1, noWindow, http.StatusBadRequest, "invalid_request"},
		{"missing image", student, ct2, noImage, http.StatusBadRequest, "invalid_request"},
		{"no face", student, ct3, noFace, http.StatusBadRequest, "no_face_detected"},
		{"outside boundary", outsider, ct4, outside, http.StatusForbidden, "boundary_violation"},
		{"face of someone else", student, ct5, wrongFace, http.StatusForbidden, "no_identity_match"},
		{"parent", token(t, 300, directory.RoleParent), ct6, parentReq, http.StatusForbidden, "unauthorized"},
		{"bad base64", student, "application/json", []byte(`{"window_id": ` + id + `, "image": "%%%"}`), http.StatusBadRequest, "invalid_request"},
		{"malformed json", student, "application/json", []byte(`{`), http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/record", tc.authz, tc.ct, tc.body)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.status, w.Body.String())
			}
			if got := decode[errorBody](t, w); got.Kind != tc.kind {
				t.Fatalf("kind = %q, want %q", got.Kind, tc.kind)
			}
		})
	}

	s.clock.Advance(time.Hour)
	body, ct := multipartBody(t, id, []byte("face-1"))
	w = s.do(t, http.MethodPost, "/v1/record", student, ct, body)
	if w.Code != http.StatusConflict || decode[errorBody](t, w).Kind != "window_closed" {
		t.Fatalf("expired window: %d %s", w.Code, w.Body.String())
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", func(c *gin.Context) { writeError(c, errors.New("pq: connection reset")) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode[errorBody](t, w); got.Error != "internal error" || got.Kind != "internal" {
		t.Fatalf("body = %+v", got)
	}
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", Health(map[string]Check{"db": func(context.Context) error { return nil }}))
	r.GET("/bad", Health(map[string]Check{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("down") },
	}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("ok status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bad", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("bad status = %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["redis"] != false || body["db"] != true {
		t.Fatalf("body = %v", body)
	}
}
