package handler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pavelanni/omrgrader/internal/answerkey"
	appI18n "github.com/pavelanni/omrgrader/internal/i18n"
	"github.com/pavelanni/omrgrader/internal/model"
	"github.com/pavelanni/omrgrader/internal/omr"
	"github.com/pavelanni/omrgrader/internal/report"
	"github.com/pavelanni/omrgrader/internal/store"
)

const (
	imagesDir = "images"
	keysDir   = "answer_keys"

	defaultMaxUpload = 32 << 20
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	eval   *omr.Evaluator
	config model.ServerConfig

	// evalMu serializes evaluate requests so a pending sheet is scored once.
	evalMu sync.Mutex
}

// New creates a new Handler and makes sure the media directories exist.
func New(s *store.Store, e *omr.Evaluator, cfg model.ServerConfig) (*Handler, error) {
	if cfg.MediaDir == "" {
		return nil, errors.New("media directory is required")
	}
	for _, d := range []string{imagesDir, keysDir} {
		if err := os.MkdirAll(filepath.Join(cfg.MediaDir, d), 0o755); err != nil {
			return nil, fmt.Errorf("create media directory: %w", err)
		}
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	if cfg.AdminUser == "" {
		cfg.AdminUser = "admin"
	}
	return &Handler{store: s, eval: e, config: cfg}, nil
}

// Routes registers all API routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/images", h.handleListImages)
	r.Post("/images", h.handleUploadImage)
	r.Get("/images/{imageID}/file", h.handleImageFile)
	r.Post("/answer-key", h.handleUploadAnswerKey)
	r.Post("/evaluate", h.handleEvaluate)
	r.Get("/results/{imageID}", h.handleGetResult)
	r.Get("/status", h.handleStatus)
	r.Get("/reports/{kind}", h.handleReport)

	r.Group(func(ar chi.Router) {
		ar.Use(h.requireAdmin)
		ar.Post("/reset", h.handleReset)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, appI18n.T(r.Context(), "InternalError"))
}

// formFile reads one multipart file field into memory, honouring the upload limit.
func (h *Handler) formFile(w http.ResponseWriter, r *http.Request, field string) ([]byte, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	f, hdr, err := r.FormFile(field)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, appI18n.T(r.Context(), "UploadTooLarge"))
			return nil, "", false
		}
		writeError(w, http.StatusBadRequest, appI18n.Td(r.Context(), "MissingFile", map[string]any{"Field": field}))
		return nil, "", false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		h.internalError(w, r, "failed to read upload", err)
		return nil, "", false
	}
	return data, hdr.Filename, true
}

// saveFile writes data under the media directory with a fresh name and
// returns the stored path and the content hash.
func (h *Handler) saveFile(dir, original string, data []byte) (string, string, error) {
	ext := strings.ToLower(filepath.Ext(original))
	path := filepath.Join(h.config.MediaDir, dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", err
	}
	return path, fileHash(data), nil
}

func fileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type uploadResponse struct {
	Message string       `json:"message"`
	Image   model.Upload `json:"image"`
}

func (h *Handler) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	data, filename, ok := h.formFile(w, r, "image")
	if !ok {
		return
	}
	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = filename
	}

	existing, err := h.store.UploadByHash(fileHash(data))
	if err != nil {
		h.internalError(w, r, "failed to look up upload", err)
		return
	}
	if existing != nil {
		slog.Info("duplicate sheet upload", "id", existing.ID, "title", title)
		writeJSON(w, http.StatusOK, uploadResponse{
			Message: appI18n.Td(r.Context(), "DuplicateImage", map[string]any{"ID": existing.ID}),
			Image:   *existing,
		})
		return
	}

	path, hash, err := h.saveFile(imagesDir, filename, data)
	if err != nil {
		h.internalError(w, r, "failed to save image", err)
		return
	}
	u := model.Upload{Title: title, ImagePath: path, FileHash: hash, UploadedAt: time.Now()}
	u.ID, err = h.store.CreateUpload(u)
	if err != nil {
		os.Remove(path)
		h.internalError(w, r, "failed to store upload", err)
		return
	}
	slog.Info("sheet uploaded", "id", u.ID, "title", title, "bytes", len(data))
	writeJSON(w, http.StatusCreated, uploadResponse{Message: appI18n.T(r.Context(), "ImageUploaded"), Image: u})
}

func (h *Handler) handleListImages(w http.ResponseWriter, r *http.Request) {
	uploads, err := h.store.ListUploads()
	if err != nil {
		h.internalError(w, r, "failed to list uploads", err)
		return
	}
	if uploads == nil {
		uploads = []model.Upload{}
	}
	writeJSON(w, http.StatusOK, uploads)
}

func (h *Handler) uploadFromURL(w http.ResponseWriter, r *http.Request) (model.Upload, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "imageID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "InvalidImageID"))
		return model.Upload{}, false
	}
	u, err := h.store.GetUpload(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "ImageNotFound"))
		return u, false
	}
	if err != nil {
		h.internalError(w, r, "failed to get upload", err)
		return u, false
	}
	return u, true
}

func (h *Handler) handleImageFile(w http.ResponseWriter, r *http.Request) {
	u, ok := h.uploadFromURL(w, r)
	if !ok {
		return
	}
	http.ServeFile(w, r, u.ImagePath)
}

func (h *Handler) handleGetResult(w http.ResponseWriter, r *http.Request) {
	u, ok := h.uploadFromURL(w, r)
	if !ok {
		return
	}
	if u.Result == nil {
		writeError(w, http.StatusConflict, appI18n.T(r.Context(), "NotEvaluated"))
		return
	}
	writeJSON(w, http.StatusOK, u.Result)
}

type keyResponse struct {
	Message   string              `json:"message"`
	Questions int                 `json:"questions"`
	Skipped   []answerkey.Warning `json:"skipped"`
}

func (h *Handler) handleUploadAnswerKey(w http.ResponseWriter, r *http.Request) {
	data, filename, ok := h.formFile(w, r, "file")
	if !ok {
		return
	}
	if !utf8.Valid(data) {
		writeError(w, http.StatusBadRequest, appI18n.Td(r.Context(), "KeyParseFailed", map[string]any{"Error": "not UTF-8 text"}))
		return
	}
	key, warnings, err := answerkey.Parse(bytes.NewReader(data))
	if err != nil {
		writeError(w, http.StatusBadRequest, appI18n.Td(r.Context(), "KeyParseFailed", map[string]any{"Error": err.Error()}))
		return
	}

	path, hash, err := h.saveFile(keysDir, filename, data)
	if err != nil {
		h.internalError(w, r, "failed to save answer key", err)
		return
	}
	if _, err := h.store.CreateAnswerKey(model.AnswerKeyRecord{
		Filename:   path,
		FileHash:   hash,
		Answers:    key,
		UploadedAt: time.Now(),
	}); err != nil {
		os.Remove(path)
		h.internalError(w, r, "failed to store answer key", err)
		return
	}
	slog.Info("answer key uploaded", "file", filename, "questions", len(key), "skipped", len(warnings))

	msg := appI18n.Tp(r.Context(), "KeyUploaded", len(key))
	if len(warnings) > 0 {
		msg += " " + appI18n.Tp(r.Context(), "KeyLinesSkipped", len(warnings))
	}
	if warnings == nil {
		warnings = []answerkey.Warning{}
	}
	writeJSON(w, http.StatusCreated, keyResponse{Message: msg, Questions: len(key), Skipped: warnings})
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	h.evalMu.Lock()
	defer h.evalMu.Unlock()

	key, err := h.store.LatestAnswerKey()
	if err != nil {
		h.internalError(w, r, "failed to load answer key", err)
		return
	}
	if key == nil {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "NoAnswerKey"))
		return
	}
	if len(key.Answers) == 0 {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "KeyNotParsed"))
		return
	}

	pending, err := h.store.PendingUploads()
	if err != nil {
		h.internalError(w, r, "failed to list pending uploads", err)
		return
	}
	if len(pending) == 0 {
		writeMessage(w, http.StatusOK, appI18n.T(r.Context(), "NoPendingImages"))
		return
	}

	sheets := make([]omr.Sheet, len(pending))
	for i, u := range pending {
		sheets[i] = omr.Sheet{ID: u.ID, Title: u.Title, Path: u.ImagePath}
	}
	entries, err := h.eval.EvaluateBatch(r.Context(), sheets, key.Answers)
	if err != nil {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "KeyNotParsed"))
		return
	}

	for i := range entries {
		en := &entries[i]
		if en.Result == nil {
			continue
		}
		if err := h.store.SaveResult(en.ImageID, en.Result); err != nil {
			slog.Error("failed to save result", "image_id", en.ImageID, "error", err)
			en.Error = err.Error()
		}
	}
	if err := h.store.MarkEvaluated(time.Now()); err != nil {
		slog.Warn("failed to record evaluation time", "error", err)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	kind, err := report.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "UnknownReport"))
		return
	}
	export, err := h.store.ExportResults()
	if err != nil {
		h.internalError(w, r, "failed to export results", err)
		return
	}

	var buf bytes.Buffer
	if err := report.Write(&buf, kind, export.Results); err != nil {
		h.internalError(w, r, "failed to render report", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", kind.Filename()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
