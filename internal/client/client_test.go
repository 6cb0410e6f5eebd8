package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Brownie44l1/resq-ai/internal/classifier"
)

func TestPredictUploadsFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/predict" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file field: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		if header.Filename != "smoke.jpg" || string(body) != "jpegbytes" {
			t.Errorf("unexpected upload %s %q", header.Filename, body)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(classifier.Result{
			DisasterType:   classifier.Fire,
			TopPrediction:  "volcano",
			Confidence:     0.8,
			AllPredictions: []classifier.Prediction{{Category: "volcano", Score: 0.8}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	res, err := c.Predict(context.Background(), "smoke.jpg", []byte("jpegbytes"))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if res.DisasterType != classifier.Fire || res.TopPrediction != "volcano" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPredictSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"could not decode image"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 5*time.Second).Predict(context.Background(), "a.txt", []byte("hello"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "could not decode image") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"online","message":"ResQ AI Service is running"}`))
	}))
	defer srv.Close()

	st, err := New(srv.URL, 5*time.Second).Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "online" {
		t.Fatalf("status = %q", st.Status)
	}
}
