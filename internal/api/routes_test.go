package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/documind/documind/internal/documents"
	"github.com/documind/documind/internal/events"
	"github.com/documind/documind/internal/pipelines"
	"github.com/documind/documind/internal/processing"
	"github.com/documind/documind/internal/tracker"
)

// fakeSubmitter allocates a record and keeps the staged upload.
type fakeSubmitter struct {
	reg  *tracker.Registry
	got  []pipelines.Input
	body []string
	err  error
}

func (f *fakeSubmitter) Submit(in pipelines.Input) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	data, _ := os.ReadFile(in.Path)
	f.got = append(f.got, in)
	f.body = append(f.body, string(data))
	return f.reg.Create(in.FileName, in.Size, tracker.DefaultCatalog())
}

type fakeAnswerer struct {
	answer string
	err    error
}

func (f fakeAnswerer) Summarize(context.Context, string) (string, error) { return "", nil }

func (f fakeAnswerer) Answer(_ context.Context, question, _ string) (string, error) {
	return f.answer, f.err
}

type memStore struct {
	docs []*documents.Document
}

func (m *memStore) Save(_ context.Context, d *documents.Document) error {
	m.docs = append(m.docs, d)
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*documents.Document, error) {
	for _, d := range m.docs {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, nil
}

func (m *memStore) List(_ context.Context, limit int) ([]*documents.Document, error) {
	if limit > 0 && limit < len(m.docs) {
		return m.docs[:limit], nil
	}
	return m.docs, nil
}

func testConfig(t *testing.T) (ServerConfig, *fakeSubmitter) {
	t.Helper()
	hub := events.NewHub(0)
	reg := tracker.NewRegistry(tracker.WithObserver(hub), tracker.WithLogger(discardLogger()))
	sub := &fakeSubmitter{reg: reg}
	return ServerConfig{
		Registry:       reg,
		Runner:         sub,
		Hub:            hub,
		Store:          &memStore{},
		Answerer:       fakeAnswerer{answer: "42"},
		UploadDir:      t.TempDir(),
		MaxUploadBytes: 64,
		Logger:         discardLogger(),
		StartTime:      time.Now(),
		Version:        "test",
	}, sub
}

func multipartBody(t *testing.T, field, fileName string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "ignored")
	fw, err := mw.CreateFormFile(field, fileName)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestSubmit_Accepted(t *testing.T) {
	cfg, sub := testConfig(t)
	router := NewRouter(cfg)

	body, ct := multipartBody(t, "file", "receipt.PNG", []byte("png-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/processes", body)
	req.Header.Set("Content-Type", ct)
	rr := do(t, router, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	resp := decodeJSONBody(t, rr)
	id, _ := resp["processId"].(string)
	if id == "" {
		t.Fatalf("processId missing: %v", resp)
	}
	if got := rr.Header().Get("Location"); got != "/processes/"+id {
		t.Errorf("Location = %q", got)
	}
	if stages, _ := resp["stages"].([]interface{}); len(stages) != 5 {
		t.Errorf("stages = %v", resp["stages"])
	}

	if len(sub.got) != 1 {
		t.Fatalf("submitted %d inputs", len(sub.got))
	}
	in := sub.got[0]
	if in.FileName != "receipt.PNG" || in.Size != 9 || sub.body[0] != "png-bytes" {
		t.Errorf("input = %+v body = %q", in, sub.body[0])
	}
	if !strings.HasSuffix(in.Path, ".png") {
		t.Errorf("staged path %q lost the extension", in.Path)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		fileName string
		data     []byte
		want     int
		code     string
	}{
		{"over transport cap", "file", "a.png", bytes.Repeat([]byte("x"), 64*oversizeFactor+multipartOverhead+1), http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
		{"wrong field", "upload", "a.png", []byte("x"), http.StatusBadRequest, "BAD_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, sub := testConfig(t)
			router := NewRouter(cfg)

			body, ct := multipartBody(t, tt.field, tt.fileName, tt.data)
			req := httptest.NewRequest(http.MethodPost, "/processes", body)
			req.Header.Set("Content-Type", ct)
			rr := do(t, router, req)

			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
			if got := decodeJSONBody(t, rr)["code"]; got != tt.code {
				t.Errorf("code = %v, want %s", got, tt.code)
			}
			if len(sub.got) != 0 {
				t.Error("rejected upload was submitted")
			}
			if entries, _ := os.ReadDir(cfg.UploadDir); len(entries) != 0 {
				t.Errorf("upload dir not cleaned: %d entries", len(entries))
			}
		})
	}
}

func TestSubmit_OversizedFileIsRecordedAsValidationError(t *testing.T) {
	cfg, _ := testConfig(t)
	runner, err := processing.NewRunner(context.Background(), cfg.Registry, processing.Collaborators{
		Validator:  pipelines.NewFileValidator(cfg.MaxUploadBytes, 0),
		Detector:   pipelines.PassthroughDetector{},
		Extractor:  textExtractor("unused"),
		Summarizer: summarizer{},
	}, processing.Config{WorkDir: t.TempDir(), Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	cfg.Runner = runner
	router := NewRouter(cfg)

	body, ct := multipartBody(t, "file", "big.png", bytes.Repeat([]byte("x"), 65))
	req := httptest.NewRequest(http.MethodPost, "/processes", body)
	req.Header.Set("Content-Type", ct)
	rr := do(t, router, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rr.Code, rr.Body.String())
	}
	var submitted SubmitResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &submitted); err != nil {
		t.Fatal(err)
	}

	runner.Wait()

	s, err := cfg.Registry.Get(submitted.ProcessID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.Status != tracker.StatusError || s.FileSizeBytes != 65 {
		t.Fatalf("status = %s size = %d", s.Status, s.FileSizeBytes)
	}
	if len(s.Errors) != 1 || s.Errors[0].Kind != tracker.KindValidation {
		t.Fatalf("errors = %+v, want one validation error", s.Errors)
	}
	if !strings.Contains(s.Errors[0].Message, "exceeds maximum allowed size") {
		t.Errorf("message = %q", s.Errors[0].Message)
	}
	if len(s.CompletedStages) != 0 || s.CurrentStage != "Validating file" {
		t.Errorf("completed = %v current = %q", s.CompletedStages, s.CurrentStage)
	}
	if entries, _ := os.ReadDir(cfg.UploadDir); len(entries) != 0 {
		t.Errorf("staged upload not removed: %d entries", len(entries))
	}
}

func TestSubmit_NotMultipart(t *testing.T) {
	cfg, _ := testConfig(t)
	req := httptest.NewRequest(http.MethodPost, "/processes", strings.NewReader(`{"file": "x"}`))
	req.Header.Set("Content-Type", "application/json")

	if rr := do(t, NewRouter(cfg), req); rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestSubmit_RunnerErrorRemovesUpload(t *testing.T) {
	cfg, sub := testConfig(t)
	sub.err = errors.New("registry full")

	body, ct := multipartBody(t, "file", "a.png", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/processes", body)
	req.Header.Set("Content-Type", ct)
	rr := do(t, NewRouter(cfg), req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if entries, _ := os.ReadDir(cfg.UploadDir); len(entries) != 0 {
		t.Errorf("upload dir not cleaned: %d entries", len(entries))
	}
}

func TestGetProcess(t *testing.T) {
	cfg, _ := testConfig(t)
	router := NewRouter(cfg)
	id, _ := cfg.Registry.Create("a.pdf", 10, tracker.DefaultCatalog())

	rr := do(t, router, httptest.NewRequest(http.MethodGet, "/processes/"+id, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var s tracker.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &s); err != nil {
		t.Fatal(err)
	}
	if s.ID != id || s.Status != tracker.StatusInitializing || s.CurrentStage != "Validating file" {
		t.Errorf("snapshot = %+v", s)
	}
	if s.Errors == nil || s.Warnings == nil || s.CompletedStages == nil {
		t.Error("empty lists must encode as [] not null")
	}
}

func TestGetProcess_Unknown(t *testing.T) {
	cfg, _ := testConfig(t)

	rr := do(t, NewRouter(cfg), httptest.NewRequest(http.MethodGet, "/processes/does-not-exist", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if got := decodeJSONBody(t, rr)["code"]; got != "NOT_FOUND" {
		t.Errorf("code = %v", got)
	}
}

func TestListProcesses(t *testing.T) {
	cfg, _ := testConfig(t)
	router := NewRouter(cfg)

	rr := do(t, router, httptest.NewRequest(http.MethodGet, "/processes", nil))
	if !strings.Contains(rr.Body.String(), `"processes":[]`) {
		t.Errorf("empty list body = %s", rr.Body.String())
	}

	cfg.Registry.Create("a.pdf", 1, tracker.DefaultCatalog())
	cfg.Registry.Create("b.pdf", 1, tracker.DefaultCatalog())

	var resp ProcessesResponse
	rr = do(t, router, httptest.NewRequest(http.MethodGet, "/processes", nil))
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Processes) != 2 {
		t.Errorf("processes = %d, want 2", len(resp.Processes))
	}
}

func TestDeleteProcess(t *testing.T) {
	cfg, _ := testConfig(t)
	router := NewRouter(cfg)
	id, _ := cfg.Registry.Create("a.pdf", 1, tracker.DefaultCatalog())

	rr := do(t, router, httptest.NewRequest(http.MethodDelete, "/processes/"+id, nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("in-flight delete status = %d, want 409", rr.Code)
	}

	cfg.Registry.Mutate(id, func(r *tracker.Record) error {
		return r.Fail(tracker.KindValidation, "Validating file", "bad file")
	})
	rr = do(t, router, httptest.NewRequest(http.MethodDelete, "/processes/"+id, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("terminal delete status = %d, want 204", rr.Code)
	}

	rr = do(t, router, httptest.NewRequest(http.MethodDelete, "/processes/"+id, nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rr.Code)
	}
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name     string
		answerer pipelines.Summarizer
		body     string
		want     int
	}{
		{"answered", fakeAnswerer{answer: "42"}, `{"question": "total?", "extractedText": "Total 42"}`, http.StatusOK},
		{"missing question", fakeAnswerer{}, `{"extractedText": "Total 42"}`, http.StatusBadRequest},
		{"missing text", fakeAnswerer{}, `{"question": "total?"}`, http.StatusBadRequest},
		{"bad json", fakeAnswerer{}, `{`, http.StatusBadRequest},
		{"unavailable", pipelines.Unavailable{Reason: "no project"}, `{"question": "q", "extractedText": "t"}`, http.StatusServiceUnavailable},
		{"failed", fakeAnswerer{err: errors.New("quota")}, `{"question": "q", "extractedText": "t"}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := testConfig(t)
			cfg.Answerer = tt.answerer

			rr := do(t, NewRouter(cfg), httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(tt.body)))
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
			if tt.want == http.StatusOK && decodeJSONBody(t, rr)["answer"] != "42" {
				t.Errorf("body = %s", rr.Body.String())
			}
		})
	}
}

func TestDocuments(t *testing.T) {
	cfg, _ := testConfig(t)
	store := cfg.Store.(*memStore)
	store.Save(context.Background(), &documents.Document{ID: "doc-1", ProcessID: "p-1", Summary: "s"})
	router := NewRouter(cfg)

	rr := do(t, router, httptest.NewRequest(http.MethodGet, "/documents/doc-1", nil))
	if rr.Code != http.StatusOK || decodeJSONBody(t, rr)["processId"] != "p-1" {
		t.Errorf("get status = %d body = %s", rr.Code, rr.Body.String())
	}

	rr = do(t, router, httptest.NewRequest(http.MethodGet, "/documents/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", rr.Code)
	}

	rr = do(t, router, httptest.NewRequest(http.MethodGet, "/documents?limit=abc", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rr.Code)
	}

	var resp DocumentsResponse
	rr = do(t, router, httptest.NewRequest(http.MethodGet, "/documents?limit=10", nil))
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || len(resp.Documents) != 1 {
		t.Errorf("list = %s (%v)", rr.Body.String(), err)
	}
}

func TestDocuments_NoStore(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Store = nil

	rr := do(t, NewRouter(cfg), httptest.NewRequest(http.MethodGet, "/documents", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Backends = BackendsResponse{Extractor: "gemini", MetadataStore: "sqlite", BlobStore: "none", Events: "hub"}
	cfg.APIToken = "secret-token-123"
	cfg.Registry.Create("a.pdf", 1, tracker.DefaultCatalog())

	rr := do(t, NewRouter(cfg), httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (health must not require auth)", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" || body["tracked_processes"] != float64(1) {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["detector"]; ok {
		t.Error("detector should be omitted when no probe is configured")
	}
	backends, _ := body["backends"].(map[string]interface{})
	if backends["metadata_store"] != "sqlite" {
		t.Errorf("backends = %v", backends)
	}
}

func TestHealth_StorePing(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		status string
		check  string
	}{
		{"healthy", nil, http.StatusOK, "ok", "ok"},
		{"store down", errors.New("database is closed"), http.StatusServiceUnavailable, "degraded", "database is closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := testConfig(t)
			cfg.StorePing = func(context.Context) error { return tt.err }

			rr := do(t, NewRouter(cfg), httptest.NewRequest(http.MethodGet, "/health", nil))
			if rr.Code != tt.code {
				t.Fatalf("status = %d, want %d", rr.Code, tt.code)
			}
			body := decodeJSONBody(t, rr)
			checks, _ := body["checks"].(map[string]interface{})
			if body["status"] != tt.status || checks["metadata_store"] != tt.check {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.APIToken = "secret-token-123"
	router := NewRouter(cfg)

	rr := do(t, router, httptest.NewRequest(http.MethodGet, "/processes", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/processes", nil)
	req.Header.Set("Authorization", "Bearer secret-token-123")
	if rr := do(t, router, req); rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

// End to end: upload through HTTP, run the real driver with fake
// collaborators, and poll until completed.
type textExtractor string

func (e textExtractor) Extract(context.Context, string, string) (*pipelines.Extraction, error) {
	return &pipelines.Extraction{Text: string(e), Confidence: 1}, nil
}

type okValidator struct{}

func (okValidator) Validate(_ context.Context, in pipelines.Input) (*pipelines.Validation, error) {
	return &pipelines.Validation{Kind: pipelines.KindPDF, MIMEType: in.MIMEType(), PageCount: 1}, nil
}

type summarizer struct{}

func (summarizer) Summarize(_ context.Context, text string) (string, error) { return "short", nil }
func (summarizer) Answer(context.Context, string, string) (string, error)    { return "", nil }

func TestSubmitAndPoll_EndToEnd(t *testing.T) {
	cfg, _ := testConfig(t)
	runner, err := processing.NewRunner(context.Background(), cfg.Registry, processing.Collaborators{
		Validator:  okValidator{},
		Detector:   pipelines.PassthroughDetector{},
		Extractor:  textExtractor("Hello world"),
		Summarizer: summarizer{},
		Store:      cfg.Store,
	}, processing.Config{WorkDir: t.TempDir(), Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	cfg.Runner = runner
	cfg.Load = runner
	srv := httptest.NewServer(NewRouter(cfg))
	defer srv.Close()

	body, ct := multipartBody(t, "file", "doc.pdf", []byte("%PDF-1.4"))
	resp, err := http.Post(srv.URL+"/processes", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	var submitted SubmitResponse
	json.NewDecoder(resp.Body).Decode(&submitted)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}

	runner.Wait()

	resp, err = http.Get(srv.URL + "/processes/" + submitted.ProcessID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var s tracker.Snapshot
	json.NewDecoder(resp.Body).Decode(&s)

	if s.Status != tracker.StatusCompleted || s.ProgressPercent != 100 {
		t.Fatalf("status = %s progress = %d errors = %v", s.Status, s.ProgressPercent, s.Errors)
	}
	if s.Result == nil || s.Result.ExtractedText != "Hello world" || s.Result.DocumentID == "" {
		t.Errorf("result = %+v", s.Result)
	}
	if entries, _ := os.ReadDir(cfg.UploadDir); len(entries) != 0 {
		t.Errorf("staged upload not removed: %d entries", len(entries))
	}
}

func TestProcessEvents_StreamsUntilTerminal(t *testing.T) {
	cfg, _ := testConfig(t)
	srv := httptest.NewServer(NewRouter(cfg))
	defer srv.Close()

	id, _ := cfg.Registry.Create("a.pdf", 1, tracker.DefaultCatalog())

	resp, err := http.Get(srv.URL + "/processes/" + id + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	next := func() (string, tracker.Snapshot) {
		t.Helper()
		var event string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var s tracker.Snapshot
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s); err != nil {
					t.Fatalf("bad data line: %v", err)
				}
				return event, s
			}
		}
		t.Fatalf("stream ended early: %v", sc.Err())
		return "", tracker.Snapshot{}
	}

	if ev, s := next(); ev != "status" || s.Status != tracker.StatusInitializing {
		t.Fatalf("first event = %s %s", ev, s.Status)
	}

	waitForSubscriber(t, cfg.Hub, id)
	cfg.Registry.Mutate(id, (*tracker.Record).Begin)
	cfg.Registry.Mutate(id, func(r *tracker.Record) error {
		return r.Fail(tracker.KindValidation, "Validating file", "unsupported")
	})

	var last tracker.Snapshot
	var ev string
	for last.Status != tracker.StatusError {
		ev, last = next()
	}
	if ev != "error" || len(last.Errors) != 1 {
		t.Errorf("terminal event = %s %+v", ev, last.Errors)
	}
	for sc.Scan() {
		if sc.Text() != "" {
			t.Errorf("stream continued after terminal event: %q", sc.Text())
		}
	}
}

func waitForSubscriber(t *testing.T, hub *events.Hub, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(id) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no subscriber registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcessEvents_Unknown(t *testing.T) {
	cfg, _ := testConfig(t)

	rr := do(t, NewRouter(cfg), httptest.NewRequest(http.MethodGet, "/processes/nope/events", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
	if cfg.Hub.Subscribers("nope") != 0 {
		t.Error("subscription leaked for unknown process")
	}
}
