package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/deepscan/internal/media"
	"github.com/andresmejia3/deepscan/internal/pipeline"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/go-chi/chi/v5"
)

const multipartMemory = 32 << 20

var errNoFile = errors.New("no file part in the request")

// formFile reads the named multipart file under the upload size limit.
func (s *Server) formFile(w http.ResponseWriter, r *http.Request, field string) (multipart.File, *multipart.FileHeader, int, error) {
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large") {
			return nil, nil, http.StatusRequestEntityTooLarge, media.ErrTooLarge
		}
		return nil, nil, http.StatusBadRequest, err
	}
	f, hdr, err := r.FormFile(field)
	if err != nil || hdr.Filename == "" {
		return nil, nil, http.StatusBadRequest, errNoFile
	}
	return f, hdr, 0, nil
}

// saveUpload stores the multipart field when its extension is allowed for kind.
func (s *Server) saveUpload(w http.ResponseWriter, r *http.Request, field string, kind media.Kind) (taskID, path, filename string, ok bool) {
	f, hdr, status, err := s.formFile(w, r, field)
	if err != nil {
		writeError(w, status, err.Error())
		return "", "", "", false
	}
	defer f.Close()

	if !media.Allowed(hdr.Filename, kind) {
		writeError(w, http.StatusBadRequest, "File type not allowed.")
		return "", "", "", false
	}
	taskID, path, err = s.deps.Local.Save(f, hdr.Filename, s.opts.MaxUploadBytes)
	if err != nil {
		s.writeSaveError(w, err)
		return "", "", "", false
	}
	return taskID, path, media.SecureFilename(hdr.Filename), true
}

func (s *Server) writeSaveError(w http.ResponseWriter, err error) {
	if errors.Is(err, media.ErrTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	s.log.Error().Err(err).Msg("failed to store upload")
	writeError(w, http.StatusInternalServerError, "Failed to store the upload.")
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	taskID, _, filename, ok := s.saveUpload(w, r, "file", media.KindVideo)
	if !ok {
		return
	}
	s.log.Info().Str("task_id", taskID).Str("filename", filename).Msg("video uploaded")
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "filename": filename})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	path, err := s.deps.Local.Resolve(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Invalid or expired task ID.")
		return
	}
	url := r.URL.Query().Get("url")
	source := r.URL.Query().Get("filename")
	if url != "" {
		source = url
	}
	if source == "" {
		source = taskID
	}
	s.relay(r.Context(), newSSE(w), pipeline.Request{TaskID: taskID, Path: path, Source: source, SourceURL: url})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func (s *Server) handleURL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.URL) == "" {
		writeError(w, http.StatusBadRequest, "No URL was provided in the request.")
		return
	}
	if s.deps.Downloader == nil {
		writeError(w, http.StatusServiceUnavailable, "URL downloads are not configured.")
		return
	}
	url := strings.TrimSpace(body.URL)

	sse := newSSE(w)
	if err := sse.send(types.Progress("", "Downloading video...")); err != nil {
		return
	}
	path, filename, err := s.deps.Downloader.Download(r.Context(), url, media.KindVideo)
	if err != nil {
		s.log.Warn().Err(err).Str("url", url).Msg("download failed")
		_ = sse.send(types.Failure(err))
		return
	}
	s.log.Info().Str("url", url).Str("filename", filename).Msg("video downloaded")
	s.relay(r.Context(), sse, pipeline.Request{
		TaskID:    filepath.Base(path),
		Path:      path,
		Source:    url,
		SourceURL: url,
	})
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Key) == "" {
		writeError(w, http.StatusBadRequest, "No object key was provided in the request.")
		return
	}
	if s.deps.Objects == nil {
		writeError(w, http.StatusServiceUnavailable, "Object storage is not configured.")
		return
	}

	sse := newSSE(w)
	if err := sse.send(types.Progress("", "Fetching media from storage...")); err != nil {
		return
	}
	path, filename, err := s.deps.Objects.Fetch(r.Context(), body.Key, s.opts.MaxUploadBytes)
	if err != nil {
		s.log.Warn().Err(err).Str("key", body.Key).Msg("object fetch failed")
		_ = sse.send(types.Failure(err))
		return
	}
	s.relay(r.Context(), sse, pipeline.Request{TaskID: filepath.Base(path), Path: path, Source: filename})
}

func (s *Server) handleRecorded(w http.ResponseWriter, r *http.Request) {
	f, _, status, err := s.formFile(w, r, "video")
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	defer f.Close()

	path, err := s.deps.Local.SaveRecorded(f, s.opts.MaxUploadBytes)
	if err != nil {
		s.writeSaveError(w, err)
		return
	}
	s.relay(r.Context(), newSSE(w), pipeline.Request{
		TaskID: filepath.Base(path),
		Path:   path,
		Source: "Live Recorded Video",
	})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	taskID, path, filename, ok := s.saveUpload(w, r, "file", media.KindImage)
	if !ok {
		return
	}
	res, err := s.deps.Analyzer.AnalyzeImage(r.Context(), pipeline.Request{TaskID: taskID, Path: path, Source: filename})
	if err != nil {
		s.writeAnalysisError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	taskID, path, filename, ok := s.saveUpload(w, r, "file", media.KindAudio)
	if !ok {
		return
	}
	res, err := s.deps.Analyzer.AnalyzeAudio(r.Context(), pipeline.Request{TaskID: taskID, Path: path, Source: filename})
	if err != nil {
		s.writeAnalysisError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prediction":  res.Verdict,
		"confidence":  res.Confidence,
		"explanation": res.Explanation,
	})
}

func (s *Server) writeAnalysisError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrFramesUnavailable), errors.Is(err, types.ErrNoAudioTrack):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error().Err(err).Msg("analysis failed")
		writeError(w, http.StatusInternalServerError, "An error occurred during analysis: "+err.Error())
	}
}

type historyEntry struct {
	ID           int64     `json:"id"`
	AnalysisType string    `json:"analysis_type"`
	Result       string    `json:"result"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	out := []historyEntry{}
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}
	limit := s.opts.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, s.opts.HistoryLimit)
	}
	entries, err := s.deps.History.List(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list history")
		writeError(w, http.StatusInternalServerError, "Failed to read history.")
		return
	}
	for _, e := range entries {
		out = append(out, historyEntry{
			ID:           e.ID,
			AnalysisType: e.AnalysisType,
			Result:       e.Result,
			Source:       e.Source,
			Timestamp:    e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
