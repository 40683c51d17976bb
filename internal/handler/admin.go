package handler

import (
	"log/slog"
	"net/http"

	appI18n "github.com/pavelanni/omrgrader/internal/i18n"
	"github.com/pavelanni/omrgrader/internal/model"
	"github.com/pavelanni/omrgrader/internal/store"
)

type statusResponse struct {
	store.CorpusInfo
	AnswerKey *model.AnswerKeyRef `json:"answer_key,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.GetCorpusInfo()
	if err != nil {
		h.internalError(w, r, "failed to read corpus info", err)
		return
	}
	resp := statusResponse{CorpusInfo: info}

	key, err := h.store.LatestAnswerKey()
	if err != nil {
		h.internalError(w, r, "failed to load answer key", err)
		return
	}
	if key != nil {
		resp.AnswerKey = &model.AnswerKeyRef{
			Filename:   key.Filename,
			FileHash:   key.FileHash,
			Questions:  len(key.Answers),
			UploadedAt: key.UploadedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.evalMu.Lock()
	defer h.evalMu.Unlock()

	paths, err := h.store.ResetCorpus()
	if err != nil {
		h.internalError(w, r, "failed to reset corpus", err)
		return
	}
	removed := store.RemoveFiles(paths)
	slog.Info("corpus reset", "files", len(paths), "removed", removed)
	writeMessage(w, http.StatusOK, appI18n.Tp(r.Context(), "ResetDone", removed))
}
