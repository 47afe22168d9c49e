package services

import (
	"context"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	goahttp "goa.design/goa/v3/http"
	goamiddleware "goa.design/goa/v3/middleware"
)

const (
	maxUploadBytes = 1 << 30
	maxFrameBytes  = 16 << 20
)

// MountPoint holds information about a mounted endpoint.
type MountPoint struct {
	Method  string
	Verb    string
	Pattern string
}

// HTTPServer maps the control API onto a goa muxer.
type HTTPServer struct {
	Mounts []*MountPoint

	Pipeline *PipelineImplementation
	Runs     *RunsImplementation
	Auth     *AuthImplementation
	Health   *HealthImplementation

	// Stream, Snapshot, Frames and Metrics are the raw handlers for the
	// MJPEG stream, single snapshots and the frame and metrics WebSockets.
	Stream   http.Handler
	Snapshot http.Handler
	Frames   http.Handler
	Metrics  http.Handler

	// Protect wraps every route except login and health. Nil leaves them open.
	Protect func(http.Handler) http.Handler

	Logger *log.Logger
}

type route struct {
	method, verb, pattern string
	handler               http.Handler
	public                bool
}

// Mount registers every route on mux.
func (s *HTTPServer) Mount(mux goahttp.Muxer) {
	if s.Logger == nil {
		s.Logger = log.Default()
	}

	routes := []route{
		{"Healthz", http.MethodGet, "/health", http.HandlerFunc(s.healthz), true},
		{"Readyz", http.MethodGet, "/ready", http.HandlerFunc(s.readyz), true},
		{"Login", http.MethodPost, "/api/auth/login", http.HandlerFunc(s.login), true},
		{"AuthStatus", http.MethodGet, "/api/auth/status", http.HandlerFunc(s.authStatus), false},
		{"StartRun", http.MethodPost, "/api/runs", http.HandlerFunc(s.startRun), false},
		{"EndRun", http.MethodDelete, "/api/runs/current", http.HandlerFunc(s.endRun), false},
		{"ListRuns", http.MethodGet, "/api/runs", http.HandlerFunc(s.listRuns), false},
		{"GetRun", http.MethodGet, "/api/runs/{id}", s.getRun(mux), false},
		{"Metrics", http.MethodGet, "/api/metrics", http.HandlerFunc(s.metrics), false},
		{"Model", http.MethodGet, "/api/model", http.HandlerFunc(s.model), false},
		{"PushFrame", http.MethodPost, "/api/webcam/frame", http.HandlerFunc(s.pushFrame), false},
	}
	if s.Stream != nil {
		routes = append(routes, route{"Stream", http.MethodGet, "/video/stream", s.Stream, false})
	}
	if s.Snapshot != nil {
		routes = append(routes, route{"Snapshot", http.MethodGet, "/video/snapshot", s.Snapshot, false})
	}
	if s.Frames != nil {
		routes = append(routes, route{"FrameSocket", http.MethodGet, "/ws/frames", s.Frames, false})
	}
	if s.Metrics != nil {
		routes = append(routes, route{"MetricsSocket", http.MethodGet, "/ws/metrics", s.Metrics, false})
	}

	for _, r := range routes {
		h := r.handler
		if !r.public && s.Protect != nil {
			h = s.Protect(h)
		}
		mux.Handle(r.verb, r.pattern, h.ServeHTTP)
		s.Mounts = append(s.Mounts, &MountPoint{Method: r.method, Verb: r.verb, Pattern: r.pattern})
	}
}

func (s *HTTPServer) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.Health.Healthz(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.Health.Readyz(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) login(w http.ResponseWriter, r *http.Request) {
	var p LoginPayload
	if err := goahttp.RequestDecoder(r).Decode(&p); err != nil {
		s.fail(w, r, badRequest("invalid login body: "+err.Error()))
		return
	}
	res, err := s.Auth.Login(r.Context(), &p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

func (s *HTTPServer) authStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.Auth.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

// startRun accepts either a JSON StartPayload or a multipart upload with the
// video in the "video" field and the model knobs as form values.
func (s *HTTPServer) startRun(w http.ResponseWriter, r *http.Request) {
	var (
		res *RunStatus
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		res, err = s.startUpload(w, r)
	} else {
		var p StartPayload
		if derr := goahttp.RequestDecoder(r).Decode(&p); derr != nil {
			s.fail(w, r, badRequest("invalid run body: "+derr.Error()))
			return
		}
		res, err = s.Pipeline.Start(r.Context(), &p)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.encode(w, r, http.StatusCreated, res)
}

func (s *HTTPServer) startUpload(w http.ResponseWriter, r *http.Request) (*RunStatus, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, badRequest(err.Error())
	}

	var p StartPayload
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, badRequest("missing video field")
		}
		if err != nil {
			return nil, badRequest(err.Error())
		}

		if part.FormName() == "video" {
			defer part.Close()
			return s.Pipeline.StartUpload(r.Context(), part.FileName(), part, &p)
		}
		if err := formValue(part, &p); err != nil {
			part.Close()
			return nil, err
		}
		part.Close()
	}
}

// formValue reads a model knob sent before the video part.
func formValue(part *multipart.Part, p *StartPayload) error {
	name := part.FormName()
	var dst **int
	switch name {
	case "clip_size":
		dst = &p.ClipSize
	case "memory":
		dst = &p.Memory
	case "threshold":
		dst = &p.Threshold
	default:
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(part, 64))
	if err != nil {
		return badRequest(err.Error())
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return badRequest(name + " must be an integer")
	}
	*dst = &n
	return nil
}

func (s *HTTPServer) endRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.Pipeline.End(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

func (s *HTTPServer) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	res, err := s.Runs.List(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

func (s *HTTPServer) getRun(mux goahttp.Muxer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		res, err := s.Runs.Get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.encode(w, r, http.StatusOK, res)
	})
}

func (s *HTTPServer) metrics(w http.ResponseWriter, r *http.Request) {
	res, err := s.Pipeline.Metrics(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

func (s *HTTPServer) model(w http.ResponseWriter, r *http.Request) {
	res, err := s.Pipeline.Model(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, res)
}

func (s *HTTPServer) pushFrame(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		s.fail(w, r, badRequest(err.Error()))
		return
	}
	if err := s.Pipeline.PushFrame(r.Context(), data); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) encode(w http.ResponseWriter, r *http.Request, status int, v any) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.Logger.Printf("[%s] ERROR: encoding: %s", requestID(r.Context()), err)
	}
}

// fail writes err with its status code. Errors that are not service errors
// are logged and reported as internal errors.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	var se *ServiceError
	if !errors.As(err, &se) {
		id := requestID(r.Context())
		s.Logger.Printf("[%s] ERROR: %s", id, err.Error())
		se = &ServiceError{Name: "fault", Message: "[" + id + "] " + err.Error(), status: http.StatusInternalServerError}
	}
	s.encode(w, r, se.StatusCode(), se)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(goamiddleware.RequestIDKey).(string)
	return id
}
