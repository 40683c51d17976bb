package handler

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/omrgrader/internal/i18n"
	"github.com/pavelanni/omrgrader/internal/model"
	"github.com/pavelanni/omrgrader/internal/omr"
	"github.com/pavelanni/omrgrader/internal/scoring"
	"github.com/pavelanni/omrgrader/internal/store"
)

type testServer struct {
	router chi.Router
	store  *store.Store
	media  string
}

func newTestServer(t *testing.T, adminPassword string) *testServer {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e, err := omr.NewEvaluator(omr.DefaultTemplate(), scoring.DefaultScheme(), 2)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	cfg := model.ServerConfig{MediaDir: t.TempDir(), AdminUser: "admin"}
	if adminPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("bcrypt: %v", err)
		}
		cfg.AdminHash = string(hash)
	}
	h, err := New(s, e, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := chi.NewRouter()
	r.Use(appI18n.Middleware())
	r.Route("/api", h.Routes)
	return &testServer{router: r, store: s, media: cfg.MediaDir}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, path, field, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(data)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func testPNG(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 120, 80))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.SetGray(3, 3, color.Gray{Y: shade})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func (ts *testServer) uploadKey(t *testing.T, content string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, multipartRequest(t, "/api/answer-key", "file", "key.txt", []byte(content), nil))
}

func (ts *testServer) uploadImage(t *testing.T, title string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, multipartRequest(t, "/api/images", "image", "sheet.png", data, map[string]string{"title": title}))
}

func TestEvaluateWithoutKey(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/evaluate", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != "No answer key uploaded yet." {
		t.Errorf("unexpected error %q", body["error"])
	}
}

func TestUploadAnswerKey(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.uploadKey(t, "1: A\n2: b\nbroken line\n")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp keyResponse
	decodeBody(t, rec, &resp)
	if resp.Questions != 2 || len(resp.Skipped) != 1 || resp.Skipped[0].Line != 3 {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Message != "Answer key uploaded with 2 questions. 1 line was skipped." {
		t.Errorf("unexpected message %q", resp.Message)
	}

	k, err := ts.store.LatestAnswerKey()
	if err != nil {
		t.Fatalf("LatestAnswerKey: %v", err)
	}
	if k == nil || k.Answers[2] != "B" {
		t.Fatalf("expected stored key with 2: B, got %+v", k)
	}
	if _, err := os.Stat(k.Filename); err != nil {
		t.Errorf("key file not stored: %v", err)
	}

	// Nothing pending yet.
	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/evaluate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var msg map[string]string
	decodeBody(t, rec, &msg)
	if msg["message"] != "No new images to evaluate." {
		t.Errorf("unexpected message %q", msg["message"])
	}
}

func TestUploadAnswerKeyRejectsBinary(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.uploadKey(t, "1: A\n\xff\xfe\n")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	k, _ := ts.store.LatestAnswerKey()
	if k != nil {
		t.Errorf("a rejected key must not be stored, got %+v", k)
	}
}

func TestEmptyKeyIsNotParsed(t *testing.T) {
	ts := newTestServer(t, "")

	if rec := ts.uploadKey(t, "no valid lines here\n"); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/evaluate", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != "Answer key not parsed. Please re-upload." {
		t.Errorf("unexpected error %q", body["error"])
	}
}

func TestUploadMissingFile(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, multipartRequest(t, "/api/images", "", "", nil, map[string]string{"title": "x"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if !strings.Contains(body["error"], `"image"`) {
		t.Errorf("unexpected error %q", body["error"])
	}
}

func TestUploadAndEvaluate(t *testing.T) {
	ts := newTestServer(t, "")
	if rec := ts.uploadKey(t, "1: A\n2: B\n"); rec.Code != http.StatusCreated {
		t.Fatalf("key upload: %d", rec.Code)
	}

	rec := ts.uploadImage(t, "Roll 17", testPNG(t, 0))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var up uploadResponse
	decodeBody(t, rec, &up)
	if up.Image.ID == 0 || up.Image.Title != "Roll 17" {
		t.Fatalf("unexpected upload %+v", up.Image)
	}

	// Same bytes again: the existing upload is returned.
	rec = ts.uploadImage(t, "Roll 17 again", testPNG(t, 0))
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate: expected 200, got %d", rec.Code)
	}
	var dup uploadResponse
	decodeBody(t, rec, &dup)
	if dup.Image.ID != up.Image.ID {
		t.Errorf("expected duplicate of %d, got %d", up.Image.ID, dup.Image.ID)
	}

	second := ts.uploadImage(t, "", testPNG(t, 100))
	if second.Code != http.StatusCreated {
		t.Fatalf("second upload: %d", second.Code)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/images", nil))
	var list []model.Upload
	decodeBody(t, rec, &list)
	if len(list) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(list))
	}
	if list[0].Title != "sheet.png" {
		t.Errorf("untitled upload should fall back to the file name, got %q", list[0].Title)
	}

	path := "/api/results/" + strconv.FormatInt(up.Image.ID, 10)
	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusConflict {
		t.Errorf("result before evaluation: expected 409, got %d", rec.Code)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/evaluate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var entries []model.BatchEntry
	decodeBody(t, rec, &entries)
	if len(entries) != 2 || entries[0].ImageID != up.Image.ID {
		t.Fatalf("unexpected entries %+v", entries)
	}
	res := entries[0].Result
	if res == nil || len(res.Errors) == 0 {
		t.Fatalf("an undersized scan should report region errors: %+v", res)
	}
	if len(res.Answers) != model.TotalQuestions {
		t.Errorf("expected %d answers, got %d", model.TotalQuestions, len(res.Answers))
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("result: expected 200, got %d", rec.Code)
	}
	var stored model.SheetResult
	decodeBody(t, rec, &stored)
	if len(stored.SubjectDetails[model.SubjectPhysics]) != model.QuestionsPerSubject {
		t.Errorf("stored result lost its details")
	}

	// Everything evaluated now.
	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/evaluate", nil))
	var msg map[string]string
	decodeBody(t, rec, &msg)
	if msg["message"] != "No new images to evaluate." {
		t.Errorf("unexpected second evaluate response %q", rec.Body.String())
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/images/"+strconv.FormatInt(up.Image.ID, 10)+"/file", nil))
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), testPNG(t, 0)) {
		t.Errorf("image file: got %d with %d bytes", rec.Code, rec.Body.Len())
	}
}

func TestImageFile(t *testing.T) {
	ts := newTestServer(t, "")
	data := testPNG(t, 40)
	rec := ts.uploadImage(t, "scan", data)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d", rec.Code)
	}
	var up uploadResponse
	decodeBody(t, rec, &up)

	tests := []struct {
		name string
		path string
		code int
		body []byte
	}{
		{"stored bytes", "/api/images/" + strconv.FormatInt(up.Image.ID, 10) + "/file", http.StatusOK, data},
		{"unknown id", "/api/images/9999/file", http.StatusNotFound, nil},
		{"bad id", "/api/images/abc/file", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			if tt.body == nil {
				return
			}
			if !bytes.Equal(rec.Body.Bytes(), tt.body) {
				t.Errorf("served %d bytes, want the %d uploaded", rec.Body.Len(), len(tt.body))
			}
			if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
				t.Errorf("expected image/png, got %q", ct)
			}
		})
	}
}

func TestReports(t *testing.T) {
	ts := newTestServer(t, "")
	if rec := ts.uploadKey(t, "1: A\n"); rec.Code != http.StatusCreated {
		t.Fatalf("key upload: %d", rec.Code)
	}
	if rec := ts.uploadImage(t, "scan", testPNG(t, 0)); rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d", rec.Code)
	}
	if rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/evaluate", nil)); rec.Code != http.StatusOK {
		t.Fatalf("evaluate: %d", rec.Code)
	}

	tests := []struct {
		kind     string
		filename string
		header   string
	}{
		{"scores", "Score_Report.csv", "Student ID,Physics,Chemistry,Botany,Zoology,Total Marks"},
		{"answers", "student_answers_report.csv", "Roll No,1,2,3"},
		{"subjects", "subject_analysis_report.csv", "Student ID,Physics Attended,Physics Not Attended"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/reports/"+tt.kind, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
				t.Errorf("expected text/csv, got %q", ct)
			}
			if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, tt.filename) {
				t.Errorf("expected %s in Content-Disposition, got %q", tt.filename, cd)
			}
			lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
			if len(lines) != 2 {
				t.Fatalf("expected header and one sheet, got %d lines", len(lines))
			}
			if !strings.HasPrefix(lines[0], tt.header) {
				t.Errorf("unexpected header %q", lines[0][:min(len(lines[0]), 80)])
			}
			if !strings.HasPrefix(lines[1], "Unknown,") {
				t.Errorf("a sheet without a readable id should be Unknown, got %q", lines[1][:min(len(lines[1]), 40)])
			}
		})
	}

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/reports/pie", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown report: expected 404, got %d", rec.Code)
	}
}

func TestGetResultErrors(t *testing.T) {
	ts := newTestServer(t, "")

	tests := []struct {
		path string
		code int
	}{
		{"/api/results/abc", http.StatusBadRequest},
		{"/api/results/9999", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := ts.do(t, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.code, rec.Code)
		}
	}
}

func TestReset(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	ts.uploadKey(t, "1: A\n")
	ts.uploadImage(t, "a", testPNG(t, 0))

	tests := []struct {
		name string
		user string
		pass string
		code int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong password", "admin", "nope", http.StatusUnauthorized},
		{"wrong user", "root", "s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/reset", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			if rec := ts.do(t, req); rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/reset", nil)
	req.SetBasicAuth("admin", "s3cret")
	rec := ts.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var msg map[string]string
	decodeBody(t, rec, &msg)
	if msg["message"] != "Reset complete: 2 files removed." {
		t.Errorf("unexpected message %q", msg["message"])
	}

	n, _ := ts.store.UploadCount()
	if n != 0 {
		t.Errorf("expected no uploads after reset, got %d", n)
	}
	for _, dir := range []string{imagesDir, keysDir} {
		entries, err := os.ReadDir(ts.media + "/" + dir)
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("%s: expected no files after reset, got %d", dir, len(entries))
		}
	}
}

func TestResetDisabledWithoutAdmin(t *testing.T) {
	ts := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/reset", nil)
	req.SetBasicAuth("admin", "")
	if rec := ts.do(t, req); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, "")
	ts.uploadKey(t, "1: A\n2: C\n")
	ts.uploadImage(t, "a", testPNG(t, 0))

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st statusResponse
	decodeBody(t, rec, &st)
	if st.Uploads != 1 || st.Pending != 1 {
		t.Errorf("unexpected counts %+v", st.CorpusInfo)
	}
	if st.AnswerKey == nil || st.AnswerKey.Questions != 2 {
		t.Errorf("unexpected key reference %+v", st.AnswerKey)
	}
}
