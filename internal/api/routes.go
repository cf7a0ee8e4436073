package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/documind/documind/internal/documents"
	"github.com/documind/documind/internal/pipelines"
	"github.com/documind/documind/internal/tracker"
)

const (
	healthPingTimeout = 2 * time.Second
	defaultAskTimeout = 90 * time.Second
	multipartOverhead = 1 << 20
	maxAskBodyBytes   = 1 << 20
)

// oversizeFactor sets the transport cap as a multiple of MaxUploadBytes.
// Files between the two are still submitted so validation records the
// rejection on the process.
const oversizeFactor = 4

func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = pipelines.DefaultMaxBytes
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = defaultAskTimeout
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = os.TempDir()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist(cfg.AllowedOrigins))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIToken, cfg.Logger))

		r.Post("/processes", submitHandler(cfg))
		r.Get("/processes", listProcessesHandler(cfg))
		r.Get("/processes/{id}", getProcessHandler(cfg))
		r.Get("/processes/{id}/events", processEventsHandler(cfg))
		r.Delete("/processes/{id}", deleteProcessHandler(cfg))
		r.Post("/ask", askHandler(cfg))
		r.Get("/documents", listDocumentsHandler(cfg))
		r.Get("/documents/{id}", getDocumentHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:           "ok",
			Version:          cfg.Version,
			UptimeS:          int64(time.Since(cfg.StartTime).Seconds()),
			TrackedProcesses: cfg.Registry.Len(),
			Backends:         cfg.Backends,
		}
		if cfg.Load != nil {
			resp.ActiveJobs = cfg.Load.Active()
			resp.QueuedJobs = cfg.Load.Waiting()
		}
		if cfg.Probe != nil {
			resp.Detector = DetectorToResponse(cfg.Probe.Peek())
		}

		code := http.StatusOK
		if cfg.StorePing != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			err := cfg.StorePing(ctx)
			cancel()
			resp.Checks = map[string]string{"metadata_store": "ok"}
			if err != nil {
				resp.Status = "degraded"
				resp.Checks["metadata_store"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		WriteJSON(w, code, resp)
	}
}

// submitHandler streams the multipart "file" field to the upload dir and
// hands it to the runner, which owns the file from then on.
func submitHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes*oversizeFactor+multipartOverhead)

		mr, err := r.MultipartReader()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "expected multipart/form-data body", "BAD_REQUEST")
			return
		}

		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				WriteError(w, http.StatusBadRequest, "no file uploaded", "BAD_REQUEST")
				return
			}
			if err != nil {
				writeUploadError(w, err)
				return
			}
			if part.FormName() != "file" {
				part.Close()
				continue
			}

			in, err := stageUpload(cfg, part)
			part.Close()
			if err != nil {
				writeUploadError(w, err)
				return
			}

			id, err := cfg.Runner.Submit(in)
			if err != nil {
				os.Remove(in.Path)
				cfg.Logger.Error("submit failed", "error", err, "file_name", in.FileName)
				WriteError(w, http.StatusInternalServerError, "failed to start processing", "INTERNAL_ERROR")
				return
			}

			resp := SubmitResponse{ProcessID: id}
			if s, err := cfg.Registry.Get(id); err == nil {
				resp.Stages = s.Stages
			}
			w.Header().Set("Location", "/processes/"+id)
			WriteJSON(w, http.StatusAccepted, resp)
			return
		}
	}
}

var errNoFileName = errors.New("uploaded file has no name")

type partReader interface {
	io.Reader
	FileName() string
}

// stageUpload writes at most MaxUploadBytes to disk and counts the rest, so
// Input.Size is the size the client sent.
func stageUpload(cfg ServerConfig, part partReader) (pipelines.Input, error) {
	name := cleanFileName(part.FileName())
	if name == "" {
		return pipelines.Input{}, errNoFileName
	}

	f, err := os.CreateTemp(cfg.UploadDir, "upload-*"+strings.ToLower(filepath.Ext(name)))
	if err != nil {
		return pipelines.Input{}, fmt.Errorf("create upload file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(part, cfg.MaxUploadBytes))
	if err == nil {
		var rest int64
		rest, err = io.Copy(io.Discard, part)
		n += rest
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return pipelines.Input{}, err
	}

	return pipelines.Input{FileName: name, Path: f.Name(), Size: n}, nil
}

func writeUploadError(w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		WriteError(w, http.StatusRequestEntityTooLarge, "file exceeds the upload size limit", "PAYLOAD_TOO_LARGE")
	case errors.Is(err, errNoFileName):
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	default:
		WriteError(w, http.StatusBadRequest, "invalid upload: "+err.Error(), "BAD_REQUEST")
	}
}

func listProcessesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := cfg.Registry.List()
		if list == nil {
			list = []tracker.Snapshot{}
		}
		WriteJSON(w, http.StatusOK, ProcessesResponse{Processes: list})
	}
}

func getProcessHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s, err := cfg.Registry.Get(id)
		if errors.Is(err, tracker.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "process not found", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

func deleteProcessHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		switch err := cfg.Registry.Delete(id); {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, tracker.ErrNotFound):
			WriteError(w, http.StatusNotFound, "process not found", "NOT_FOUND")
		case errors.Is(err, tracker.ErrNotTerminal):
			WriteError(w, http.StatusConflict, "process is still running", "CONFLICT")
		default:
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		}
	}
}

func askHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AskRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxAskBodyBytes)).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		req.Question = strings.TrimSpace(req.Question)
		if req.Question == "" || strings.TrimSpace(req.ExtractedText) == "" {
			WriteError(w, http.StatusBadRequest, "question and extractedText are required", "BAD_REQUEST")
			return
		}
		if cfg.Answerer == nil {
			WriteError(w, http.StatusServiceUnavailable, "question answering is not configured", "SERVICE_UNAVAILABLE")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.AskTimeout)
		defer cancel()

		answer, err := cfg.Answerer.Answer(ctx, req.Question, req.ExtractedText)
		if err != nil {
			if errors.Is(err, pipelines.ErrUnavailable) {
				WriteError(w, http.StatusServiceUnavailable, err.Error(), "SERVICE_UNAVAILABLE")
				return
			}
			cfg.Logger.Error("answer failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to answer question", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, AskResponse{Answer: answer})
	}
}

func listDocumentsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Store == nil {
			WriteError(w, http.StatusServiceUnavailable, "metadata store not configured", "SERVICE_UNAVAILABLE")
			return
		}

		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "limit must be an integer", "BAD_REQUEST")
				return
			}
			limit = n
		}

		docs, err := cfg.Store.List(r.Context(), limit)
		if err != nil {
			cfg.Logger.Error("list documents failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to list documents", "INTERNAL_ERROR")
			return
		}
		if docs == nil {
			docs = []*documents.Document{}
		}
		WriteJSON(w, http.StatusOK, DocumentsResponse{Documents: docs})
	}
}

func getDocumentHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Store == nil {
			WriteError(w, http.StatusServiceUnavailable, "metadata store not configured", "SERVICE_UNAVAILABLE")
			return
		}

		id := chi.URLParam(r, "id")
		doc, err := cfg.Store.Get(r.Context(), id)
		if err != nil {
			cfg.Logger.Error("get document failed", "error", err, "document_id", id)
			WriteError(w, http.StatusInternalServerError, "failed to load document", "INTERNAL_ERROR")
			return
		}
		if doc == nil {
			WriteError(w, http.StatusNotFound, "document not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, doc)
	}
}
