package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ============================================================================
// REST API
// ============================================================================
// Response bodies keep the shape existing home-automation clients expect:
// {status, message, results}, {status, x10state}, {status, temperature},
// {status, gpiostate}, {rsp} / {error}.
// ============================================================================

type x10API interface {
	Send(code, function string) *Handle
	Status(ctx context.Context) ([]X10Status, error)
}

type irAPI interface {
	Send(cmds []IRCommand) []*Handle
	NetworkStatus() *Handle
}

type tempAPI interface {
	ReadAll(ctx context.Context) ([]Reading, error)
	Read(ctx context.Context, sensor string) ([]Reading, error)
}

type gpioAPI interface {
	States() []PinStatus
	State(label string) (PinStatus, error)
	SetPin(label string, high bool) error
	Toggle(ctx context.Context, label string, hold time.Duration) error
}

const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

// APIServer serves the REST API plus the event websocket and metrics.
// Any of the device services may be nil when disabled.
type APIServer struct {
	X10    x10API
	IR     irAPI
	Temp   tempAPI
	GPIO   gpioAPI
	Events http.Handler
	Metric http.Handler

	ToggleHold time.Duration
	Logger     *slog.Logger
}

// Router builds the chi router for all endpoints.
func (s *APIServer) Router() http.Handler {
	if s.Logger == nil {
		s.Logger = discardLogger()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.Metric != nil {
		r.Method(http.MethodGet, "/metrics", s.Metric)
	}
	if s.Events != nil {
		r.Method(http.MethodGet, "/events", s.Events)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"message": "welcome to the devicebridge api"})
		})

		r.Get("/itachnet", s.handleIRNetwork)
		r.Post("/sendir", s.handleSendIR)

		r.Post("/x10", s.handleX10Send)
		r.Get("/x10", s.handleX10Status)

		r.Get("/temp", s.handleTemp)
		r.Get("/temp/{sensor}", s.handleTemp)

		r.Get("/gpiostate", s.handleGPIOStates)
		r.Get("/gpiostate/{id}", s.handleGPIOState)
		r.Post("/gpioset", s.handleGPIOSet)
		r.Post("/gpiotoggle", s.handleGPIOToggle)
	})
	return r
}

func (s *APIServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func notEnabled(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status":  statusFailed,
		"message": what + " is not enabled",
	})
}

// ============================================================================
// IR
// ============================================================================

func (s *APIServer) handleIRNetwork(w http.ResponseWriter, r *http.Request) {
	if s.IR == nil {
		notEnabled(w, "ir")
		return
	}
	vals, err := s.IR.NetworkStatus().Wait(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"rsp": strings.Join(vals, "\n")})
}

func (s *APIServer) handleSendIR(w http.ResponseWriter, r *http.Request) {
	if s.IR == nil {
		notEnabled(w, "ir")
		return
	}
	var list IRCommandList
	if err := decodeJSON(w, r, &list); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(list.Commands) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no commands"})
		return
	}

	vals, err := WaitAll(r.Context(), s.IR.Send(list.Commands))
	if vals == nil {
		vals = []string{}
	}
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrNoIRCode) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"error": err.Error(), "rsp": vals})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rsp": vals})
}

// ============================================================================
// X10
// ============================================================================

type x10Request struct {
	Code     string `json:"housecodeunit"`
	Function string `json:"function"`
}

type x10Response struct {
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Results []string `json:"results"`
}

func (s *APIServer) handleX10Send(w http.ResponseWriter, r *http.Request) {
	if s.X10 == nil {
		notEnabled(w, "x10")
		return
	}
	var req x10Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, x10Response{Status: statusFailed, Message: err.Error(), Results: []string{}})
		return
	}

	vals, err := s.X10.Send(req.Code, req.Function).Wait(r.Context())
	resp := x10Response{Status: statusSuccess, Results: vals}
	if resp.Results == nil {
		resp.Results = []string{}
	}
	if err != nil {
		resp.Status = statusFailed
		resp.Message = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleX10Status(w http.ResponseWriter, r *http.Request) {
	if s.X10 == nil {
		notEnabled(w, "x10")
		return
	}
	states, err := s.X10.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"status": statusFailed, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "x10state": states})
}

// ============================================================================
// Temperature
// ============================================================================

func (s *APIServer) handleTemp(w http.ResponseWriter, r *http.Request) {
	if s.Temp == nil {
		notEnabled(w, "temp")
		return
	}

	var (
		readings []Reading
		err      error
	)
	if sensor := chi.URLParam(r, "sensor"); sensor != "" {
		readings, err = s.Temp.Read(r.Context(), sensor)
	} else {
		readings, err = s.Temp.ReadAll(r.Context())
	}

	resp := map[string]any{"status": statusSuccess, "temperature": readings}
	if readings == nil {
		resp["temperature"] = []Reading{}
	}
	if err != nil {
		resp["status"] = statusFailed
		resp["message"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// GPIO
// ============================================================================

// pinLevel accepts true/false, 1/0 and "high"/"low"/"on"/"off".
type pinLevel bool

func (l *pinLevel) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case bool:
		*l = pinLevel(v)
	case float64:
		*l = v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "high", "on":
			*l = true
		case "0", "false", "low", "off":
			*l = false
		default:
			return fmt.Errorf("invalid pin state %q", v)
		}
	default:
		return fmt.Errorf("invalid pin state %s", string(b))
	}
	return nil
}

type gpioSetRequest struct {
	Pin   string   `json:"pin"`
	State pinLevel `json:"state"`
}

func gpioErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownPin):
		return http.StatusNotFound
	case errors.Is(err, ErrNotOutput):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) handleGPIOStates(w http.ResponseWriter, _ *http.Request) {
	if s.GPIO == nil {
		notEnabled(w, "gpio")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "gpiostate": s.GPIO.States()})
}

func (s *APIServer) handleGPIOState(w http.ResponseWriter, r *http.Request) {
	if s.GPIO == nil {
		notEnabled(w, "gpio")
		return
	}
	id := chi.URLParam(r, "id")
	st, err := s.GPIO.State(id)
	if errors.Is(err, ErrUnknownPin) {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": statusFailed, "message": "no pin with label " + id})
		return
	}
	if err != nil {
		s.Logger.Warn("gpio state read failed", "label", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "gpiostate": st})
}

func (s *APIServer) handleGPIOSet(w http.ResponseWriter, r *http.Request) {
	if s.GPIO == nil {
		notEnabled(w, "gpio")
		return
	}
	var req gpioSetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": statusFailed, "message": err.Error()})
		return
	}
	if err := s.GPIO.SetPin(req.Pin, bool(req.State)); err != nil {
		writeJSON(w, gpioErrorStatus(err), map[string]string{"status": statusFailed, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": statusSuccess})
}

func (s *APIServer) handleGPIOToggle(w http.ResponseWriter, r *http.Request) {
	if s.GPIO == nil {
		notEnabled(w, "gpio")
		return
	}
	var req struct {
		Pin string `json:"pin"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": statusFailed, "message": err.Error()})
		return
	}

	hold := s.ToggleHold
	if hold <= 0 {
		hold = time.Duration(defaultToggleMS) * time.Millisecond
	}
	if err := s.GPIO.Toggle(r.Context(), req.Pin, hold); err != nil {
		writeJSON(w, gpioErrorStatus(err), map[string]string{"status": statusFailed, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": statusSuccess})
}
