package geoform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ethicsmap/geoform/airtable"
	"github.com/ethicsmap/geoform/geocode"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// max bytes we will read from an inbound webhook body
const maxRequestBodyBytes int64 = 1024 * 1024

// Server is our HTTP server, wiring the webhook intake pipeline and the read endpoints
// onto one router. It holds no mutable state between requests.
type Server struct {
	config     *Config
	verifier   *Verifier
	reconciler *Reconciler
	exporter   *Exporter
	store      *airtable.Client

	origins map[string]bool

	router     *chi.Mux
	httpServer *http.Server
	waitGroup  *sync.WaitGroup
	stopped    bool
}

// NewServer creates a new server for the passed in config, which must have been validated
func NewServer(config *Config) *Server {
	store := airtable.NewClient(config.StoreBaseURL, config.StoreToken, config.StoreBaseID, config.StoreTable, config.StoreMaxPages)
	geo := geocode.NewClient(config.GeocodeBaseURL)

	allowed, _ := config.ParseAllowedOrigins()
	origins := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		origins[origin] = true
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))
	router.Use(middleware.StripSlashes)

	s := &Server{
		config:     config,
		verifier:   NewVerifier(config.WebhookSecret, config.WebhookScheme, config.WebhookEncoding),
		reconciler: NewReconciler(store, geo, config.LatitudeField, config.LongitudeField),
		exporter:   NewExporter(store, geo, config.LatitudeField, config.LongitudeField, config.TitleField, config.GeocodeWorkers),
		store:      store,
		origins:    origins,
		router:     router,
		waitGroup:  &sync.WaitGroup{},
	}

	router.NotFound(s.handle404)
	router.MethodNotAllowed(s.handle405)
	router.Get("/", s.handleIndex)
	router.Get("/status", s.handleStatus)

	router.Post("/wh/forms", s.handleFormWebhook)
	router.Post("/wh/newsletter", s.handleNewsletterWebhook)

	router.Group(func(g chi.Router) {
		g.Use(s.corsMiddleware)
		for _, route := range []string{"/records", "/locations", "/zipcodes"} {
			g.Options(route, func(http.ResponseWriter, *http.Request) {})
		}
		g.Get("/records", s.handleRecords)
		g.Get("/locations", s.handleLocations)
		g.Get("/zipcodes", s.handleZipcodes)
	})

	return s
}

// Router returns our router, used by tests to drive requests through the full stack
func (s *Server) Router() http.Handler { return s.router }

// Start starts the server listening for inbound requests, returning an error only for
// unrecoverable startup problems
func (s *Server) Start() error {
	log := slog.With("comp", "server", "port", s.config.Port)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Address, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Error("error listening", "error", err)
		}
	}()

	log.Info("server listening", "version", s.config.Version)
	return nil
}

// Stop stops the server, returning once in-flight requests have drained
func (s *Server) Stop() error {
	log := slog.With("comp", "server")
	log.Info("stopping server")

	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		log.Error("error shutting down server", "error", err)
	}
	s.stopped = true

	s.waitGroup.Wait()
	log.Info("server stopped")
	return nil
}

func (s *Server) handleFormWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.verifier.Verify(r.Header.Get(signatureHeader), r.Header.Get(timestampHeader), body); err != nil {
		WriteError(w, statusForAuthError(err), err)
		return
	}

	sub, err := ParseSubmission(body, r.Header.Get("Content-Type"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := s.reconciler.Submit(r.Context(), sub)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}

	if outcome.Action == ActionDuplicate {
		WriteStatus(w, http.StatusOK, "duplicate ip, no action taken")
		return
	}
	WriteData(w, http.StatusOK, &receiveResponse{Status: "submission recorded", RecordID: outcome.RecordID})
}

func (s *Server) handleNewsletterWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.verifier.Verify(r.Header.Get(signatureHeader), r.Header.Get(timestampHeader), body); err != nil {
		WriteError(w, statusForAuthError(err), err)
		return
	}

	completion, err := ParseCompletion(body, r.Header.Get("Content-Type"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := s.reconciler.Complete(r.Context(), completion)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}

	WriteData(w, http.StatusOK, &receiveResponse{Status: "email updated", RecordID: outcome.RecordID})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListAll(r.Context(), nil)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	if records == nil {
		records = []airtable.Record{}
	}
	WriteData(w, http.StatusOK, records)
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	collection, err := s.exporter.StoredLocations(r.Context())
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300, s-maxage=300")
	WriteData(w, http.StatusOK, collection)
}

func (s *Server) handleZipcodes(w http.ResponseWriter, r *http.Request) {
	collection, err := s.exporter.ZipcodeDensity(r.Context())
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300, s-maxage=300")
	WriteData(w, http.StatusOK, collection)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	buf.WriteString("<title>geoform</title><body><pre>\n")
	buf.WriteString(splash)
	buf.WriteString(s.config.Version)
	buf.WriteString("\n\n")
	buf.WriteString("POST /wh/forms      - form submission webhook\n")
	buf.WriteString("POST /wh/newsletter - newsletter completion webhook\n")
	buf.WriteString("GET  /records       - raw record listing\n")
	buf.WriteString("GET  /locations     - stored coordinate features\n")
	buf.WriteString("GET  /zipcodes      - zipcode density features\n")
	buf.WriteString("</pre></body>")
	w.Write(buf.Bytes())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	buf.WriteString("<title>geoform</title><body><pre>\n")
	buf.WriteString(splash)
	buf.WriteString(s.config.Version)
	buf.WriteString("\n\nALL GOOD\n")
	buf.WriteString("</pre></body>")
	w.Write(buf.Bytes())
}

func (s *Server) handle404(w http.ResponseWriter, r *http.Request) {
	slog.Info("not found", "comp", "server", "url", r.URL.String(), "method", r.Method)
	WriteError(w, http.StatusNotFound, errors.New("not found"))
}

func (s *Server) handle405(w http.ResponseWriter, r *http.Request) {
	slog.Info("method not allowed", "comp", "server", "url", r.URL.String(), "method", r.Method)
	WriteError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// corsMiddleware enforces our origin allow-list on the read endpoints, answering
// preflights itself and echoing the exact allowed origin back
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := normalizeOrigin(r.Header.Get("Origin"))
		allowed := s.origins[origin]
		if !allowed {
			if referer := normalizeOrigin(r.Header.Get("Referer")); s.origins[referer] {
				origin, allowed = referer, true
			}
		}

		if r.Method == http.MethodOptions {
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			requestHeaders := r.Header.Get("Access-Control-Request-Headers")
			if requestHeaders == "" {
				requestHeaders = "Content-Type,Authorization"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Set("Vary", "Origin")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !allowed {
			WriteError(w, http.StatusForbidden, errors.New("forbidden"))
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		next.ServeHTTP(w, r)
	})
}

type receiveResponse struct {
	Status   string `json:"status"`
	RecordID string `json:"record_id,omitempty"`
}

func statusForAuthError(err error) int {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return http.StatusBadRequest
	case errors.Is(err, ErrStaleTimestamp):
		return http.StatusRequestTimeout
	}
	return http.StatusUnauthorized
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		WriteError(w, http.StatusNotFound, err)
		return
	}

	slog.Error("error handling request", "comp", "server", "url", r.URL.String(), "error", err)
	WriteError(w, http.StatusInternalServerError, err)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("unable to read request body: %w", err)
	}
	if len(body) == 0 {
		return nil, ErrMissingSignature
	}
	return body, nil
}

// normalizeOrigin reduces an Origin or Referer header value to scheme://host, no
// trailing slash or path
func normalizeOrigin(value string) string {
	if value == "" {
		return ""
	}
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}

var splash = `
   ____ ____  ___  / _|___  _ __ _ __ ___
  / _  / _ \/ _ \| |_/ _ \| '__| '_ ' _ \
 | (_| |  __/ (_) |  _ (_) | |  | | | | | |
  \__, |\___|\___/|_| \___/|_|  |_| |_| |_|
  |___/ v`
