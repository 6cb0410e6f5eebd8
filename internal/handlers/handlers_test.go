package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/Brownie44l1/resq-ai/internal/classifier"
)

type fakePredictor struct {
	result *classifier.Result
	err    error
	calls  int
	got    []byte
	panic  bool
}

func (f *fakePredictor) Predict(ctx context.Context, raw []byte) (*classifier.Result, error) {
	f.calls++
	f.got = raw
	if f.panic {
		panic("boom")
	}
	return f.result, f.err
}

func (f *fakePredictor) Taxonomy() *classifier.Taxonomy {
	return classifier.MustDefaultTaxonomy()
}

func fireResult() *classifier.Result {
	preds := []classifier.Prediction{
		{Category: "volcano", Score: 0.6},
		{Category: "lakeside", Score: 0.2},
		{Category: "alp", Score: 0.1},
		{Category: "valley", Score: 0.05},
		{Category: "geyser", Score: 0.02},
	}
	return &classifier.Result{
		DisasterType:   classifier.Fire,
		TopPrediction:  preds[0].Category,
		Confidence:     preds[0].Score,
		AllPredictions: preds,
	}
}

func newTestRouter(p Predictor) http.Handler {
	return NewHandler(p, 1<<20, zap.NewNop()).Routes()
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if field != "" {
		part, err := w.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(data)
	} else {
		w.WriteField("note", "no file here")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func TestRootIsOnline(t *testing.T) {
	p := &fakePredictor{err: errors.New("classifier broken")}
	rr := httptest.NewRecorder()
	newTestRouter(p).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "online" || body.Message == "" {
		t.Fatalf("body = %+v", body)
	}
	if p.calls != 0 {
		t.Fatal("liveness must not call the classifier")
	}
}

func TestUnknownPath(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(&fakePredictor{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestPredictSuccess(t *testing.T) {
	for _, field := range []string{"file", "image"} {
		t.Run(field, func(t *testing.T) {
			p := &fakePredictor{result: fireResult()}
			body, ct := multipartBody(t, field, "smoke.png", []byte("pngdata"))
			req := httptest.NewRequest(http.MethodPost, "/predict", body)
			req.Header.Set("Content-Type", ct)
			rr := httptest.NewRecorder()

			newTestRouter(p).ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
			}
			if string(p.got) != "pngdata" {
				t.Errorf("classifier got %q", p.got)
			}

			var payload map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
				t.Fatal(err)
			}
			if payload["disaster_type"] != "Fire" || payload["top_prediction"] != "volcano" {
				t.Errorf("payload = %v", payload)
			}
			if payload["confidence"].(float64) != 0.6 {
				t.Errorf("confidence = %v", payload["confidence"])
			}
			preds := payload["all_predictions"].([]any)
			if len(preds) != 5 {
				t.Fatalf("all_predictions has %d entries", len(preds))
			}
			first := preds[0].(map[string]any)
			if first["category"] != "volcano" || first["score"].(float64) != 0.6 {
				t.Errorf("first prediction = %v", first)
			}
		})
	}
}

func TestPredictMissingFile(t *testing.T) {
	cases := map[string]func() *http.Request{
		"no file field": func() *http.Request {
			body, ct := multipartBody(t, "", "", nil)
			req := httptest.NewRequest(http.MethodPost, "/predict", body)
			req.Header.Set("Content-Type", ct)
			return req
		},
		"not multipart": func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"image": []}`))
			req.Header.Set("Content-Type", "application/json")
			return req
		},
		"empty body": func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/predict", nil)
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			p := &fakePredictor{result: fireResult()}
			rr := httptest.NewRecorder()
			newTestRouter(p).ServeHTTP(rr, build())

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if p.calls != 0 {
				t.Fatal("classifier must not be called without a file")
			}
			var e errorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil || e.Error == "" {
				t.Fatalf("expected JSON error body, got %s", rr.Body.String())
			}
		})
	}
}

func TestPredictErrors(t *testing.T) {
	cases := map[string]error{
		"decode":    fmt.Errorf("%w: image: unknown format", classifier.ErrDecode),
		"inference": fmt.Errorf("%w: session exploded", classifier.ErrInference),
	}
	for name, err := range cases {
		t.Run(name, func(t *testing.T) {
			p := &fakePredictor{err: err}
			body, ct := multipartBody(t, "file", "notes.txt", []byte("plain text"))
			req := httptest.NewRequest(http.MethodPost, "/predict", body)
			req.Header.Set("Content-Type", ct)
			rr := httptest.NewRecorder()

			newTestRouter(p).ServeHTTP(rr, req)

			if rr.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rr.Code)
			}
			var e errorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil || e.Error == "" {
				t.Fatalf("expected JSON error body, got %s", rr.Body.String())
			}
		})
	}
}

func TestPredictRejectsOversizedUpload(t *testing.T) {
	p := &fakePredictor{result: fireResult()}
	router := NewHandler(p, 1024, zap.NewNop()).Routes()

	body, ct := multipartBody(t, "file", "huge.png", bytes.Repeat([]byte{0xff}, 4096))
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rr.Code)
	}
	if p.calls != 0 {
		t.Fatal("classifier must not be called for an oversized upload")
	}
}

type stubRunner struct {
	calls int
}

func (s *stubRunner) Run(input []float32) ([]float32, error) {
	s.calls++
	return []float32{4, 1, 3, 2}, nil
}

func newClassifierRouter(t *testing.T, runner classifier.Runner) http.Handler {
	t.Helper()
	clf, err := classifier.New(runner, classifier.Config{
		Labels: []string{"tabby cat", "lakeside", "volcano", "teapot"},
		Preprocessor: classifier.Preprocessor{
			ResizeSize: 8,
			CropSize:   4,
			Mean:       [3]float32{0.485, 0.456, 0.406},
			Std:        [3]float32{0.229, 0.224, 0.225},
		},
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return NewHandler(clf, 1<<20, zap.NewNop()).Routes()
}

func postFile(t *testing.T, router http.Handler, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, "file", filename, data)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func grayPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 120
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestPredictPlainTextWithClassifier(t *testing.T) {
	runner := &stubRunner{}
	router := newClassifierRouter(t, runner)

	rr := postFile(t, router, "notes.txt", []byte("definitely not an image"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var e errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil || !strings.Contains(e.Error, "decode") {
		t.Fatalf("expected decode error body, got %s", rr.Body.String())
	}
	if runner.calls != 0 {
		t.Fatal("network must not run for undecodable input")
	}

	// The service keeps answering afterwards.
	rr = postFile(t, router, "gray.png", grayPNG(t, 12, 9))
	if rr.Code != http.StatusOK {
		t.Fatalf("follow-up status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var res classifier.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.TopPrediction != "tabby cat" || res.DisasterType != classifier.Fire || len(res.AllPredictions) != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPredictElongatedImageWithClassifier(t *testing.T) {
	router := newClassifierRouter(t, &stubRunner{})

	rr := postFile(t, router, "strip.png", grayPNG(t, 1, 40000))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestPredictPanicIsRecovered(t *testing.T) {
	p := &fakePredictor{panic: true}
	body, ct := multipartBody(t, "file", "a.png", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()

	newTestRouter(p).ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestPredictMethodNotAllowed(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(&fakePredictor{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/predict", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

func TestCategories(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(&fakePredictor{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/categories", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var out []categoryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	want := []classifier.DisasterType{
		classifier.Fire, classifier.Flood, classifier.Medical,
		classifier.Collapse, classifier.Violence, classifier.Other,
	}
	if len(out) != len(want) {
		t.Fatalf("got %d categories", len(out))
	}
	for i, c := range out {
		if c.DisasterType != want[i] {
			t.Errorf("category %d = %s, want %s", i, c.DisasterType, want[i])
		}
		if len(c.SuggestedItems) == 0 {
			t.Errorf("%s has no suggested items", c.DisasterType)
		}
	}
}

func TestCORS(t *testing.T) {
	router := newTestRouter(&fakePredictor{})

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "https://resq.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "X-Custom, Content-Type")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rr.Code)
	}
	h := rr.Header()
	if h.Get("Access-Control-Allow-Origin") != "https://resq.example" {
		t.Errorf("allow origin = %q", h.Get("Access-Control-Allow-Origin"))
	}
	if h.Get("Access-Control-Allow-Credentials") != "true" {
		t.Errorf("credentials not allowed")
	}
	if h.Get("Access-Control-Allow-Methods") != "POST" {
		t.Errorf("allow methods = %q", h.Get("Access-Control-Allow-Methods"))
	}
	if h.Get("Access-Control-Allow-Headers") != "X-Custom, Content-Type" {
		t.Errorf("allow headers = %q", h.Get("Access-Control-Allow-Headers"))
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("request without Origin should get wildcard, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestRequestID(t *testing.T) {
	router := newTestRouter(&fakePredictor{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-ID") != "abc-123" {
		t.Errorf("request id = %q", rr.Header().Get("X-Request-ID"))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(&fakePredictor{})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "resq_http_request_duration_seconds") {
		t.Fatal("request histogram missing from /metrics")
	}
}
