// Package http exposes entity operations as a JSON:API REST surface.
//
//	GET    /api/{type}        list (filters, sort, skip/limit, enrichment)
//	POST   /api/{type}        create
//	GET    /api/{type}/{id}   get (enrichment)
//	PATCH  /api/{type}/{id}   update
//	DELETE /api/{type}/{id}   delete
//	GET    /_schema           datatype summaries
//	GET    /_schema/{type}    datatype detail with references and hooks
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/artpar/entigate/core/lifecycle"
	"github.com/artpar/entigate/pkg/jsonapi"
)

// Service performs entity operations.
type Service interface {
	Create(ctx context.Context, typeKey string, payload map[string]any) (map[string]any, error)
	Get(ctx context.Context, typeKey, id string, opts lifecycle.ReadOptions) (map[string]any, error)
	Update(ctx context.Context, typeKey, id string, payload map[string]any) (map[string]any, error)
	Delete(ctx context.Context, typeKey, id string) error
	List(ctx context.Context, typeKey string, q lifecycle.ListQuery) (lifecycle.ListResult, error)
}

// RequestObserver records request metrics.
type RequestObserver interface {
	TrackInFlight() (done func())
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

// Config configures a Channel.
type Config struct {
	Service Service

	// Schema serves /_schema. Optional.
	Schema *SchemaHandler

	// Metrics records request metrics. Optional.
	Metrics RequestObserver

	// MetricsHandler is mounted at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string

	// DefaultLimit and MaxLimit bound list windows.
	DefaultLimit int
	MaxLimit     int

	// RequestTimeout cancels slow requests. Zero disables it.
	RequestTimeout time.Duration

	// MaxBodyBytes caps request bodies. Zero means 1 MiB.
	MaxBodyBytes int64

	Logger zerolog.Logger
}

// Channel is the HTTP channel.
type Channel struct {
	router  chi.Router
	service Service
	cfg     Config
	logger  zerolog.Logger
	server  *http.Server
}

// New creates a channel and registers its routes.
func New(cfg Config) *Channel {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = lifecycle.DefaultListLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	c := &Channel{
		router:  chi.NewRouter(),
		service: cfg.Service,
		cfg:     cfg,
		logger:  cfg.Logger,
	}

	r := c.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(newLoggingMiddleware(c.logger, cfg.MetricsPath))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	if cfg.Metrics != nil {
		r.Use(newMetricsMiddleware(cfg.Metrics, cfg.MetricsPath))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonapi.WriteError(w, jsonapi.ErrNotFound("no route for "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		jsonapi.WriteError(w, jsonapi.ErrMethodNotAllowed(r.Method))
	})

	r.Get("/health", health)
	if cfg.MetricsHandler != nil {
		r.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	}
	if cfg.Schema != nil {
		r.Mount("/_schema", cfg.Schema.Routes())
	}

	r.Route("/api/{type}", func(r chi.Router) {
		r.Get("/", c.handleList)
		r.Post("/", c.handleCreate)
		r.Get("/{id}", c.handleGet)
		r.Patch("/{id}", c.handleUpdate)
		r.Delete("/{id}", c.handleDelete)
	})

	return c
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return "http"
}

// Handler returns the HTTP handler.
func (c *Channel) Handler() http.Handler {
	return c.router
}

// Start serves on addr in the background. Serve errors other than a
// clean shutdown are logged.
func (c *Channel) Start(addr string, readTimeout, writeTimeout time.Duration) {
	c.server = &http.Server{
		Addr:              addr,
		Handler:           c.router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}

	go func() {
		c.logger.Info().Str("addr", addr).Msg("http server listening")
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("http server error")
		}
	}()
}

// Stop gracefully shuts the server down.
func (c *Channel) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

func (c *Channel) handleList(w http.ResponseWriter, r *http.Request) {
	typeKey := chi.URLParam(r, "type")

	q, perr := c.listQuery(r)
	if perr != nil {
		jsonapi.WriteError(w, *perr)
		return
	}

	res, err := c.service.List(r.Context(), typeKey, q)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	p := jsonapi.NewPagination(int(res.Total), q.Skip, q.Limit, r.URL.RequestURI())
	jsonapi.WriteCollection(w, jsonapi.ResourcesFromDocs(typeKey, res.Items), p)
}

func (c *Channel) handleCreate(w http.ResponseWriter, r *http.Request) {
	typeKey := chi.URLParam(r, "type")

	payload, perr := c.decodeBody(w, r)
	if perr != nil {
		jsonapi.WriteError(w, *perr)
		return
	}

	doc, err := c.service.Create(r.Context(), typeKey, payload)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	res := jsonapi.ResourceFromDoc(typeKey, doc)
	jsonapi.WriteCreated(w, res, fmt.Sprintf("/api/%s/%s", typeKey, res.ID))
}

func (c *Channel) handleGet(w http.ResponseWriter, r *http.Request) {
	typeKey := chi.URLParam(r, "type")
	id := chi.URLParam(r, "id")

	opts, perr := enrichOptions(r.URL.Query())
	if perr != nil {
		jsonapi.WriteError(w, *perr)
		return
	}

	doc, err := c.service.Get(r.Context(), typeKey, id, lifecycle.ReadOptions{Enrich: opts})
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, jsonapi.ResourceFromDoc(typeKey, doc))
}

func (c *Channel) handleUpdate(w http.ResponseWriter, r *http.Request) {
	typeKey := chi.URLParam(r, "type")
	id := chi.URLParam(r, "id")

	payload, perr := c.decodeBody(w, r)
	if perr != nil {
		jsonapi.WriteError(w, *perr)
		return
	}

	doc, err := c.service.Update(r.Context(), typeKey, id, payload)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, jsonapi.ResourceFromDoc(typeKey, doc))
}

func (c *Channel) handleDelete(w http.ResponseWriter, r *http.Request) {
	typeKey := chi.URLParam(r, "type")
	id := chi.URLParam(r, "id")

	if err := c.service.Delete(r.Context(), typeKey, id); err != nil {
		c.writeError(w, r, err)
		return
	}
	jsonapi.WriteNoContent(w)
}

// decodeBody reads a JSON object body. With the JSON:API media type the
// payload is data.attributes; otherwise the whole object is the payload.
func (c *Channel) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, *jsonapi.Error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		e := jsonapi.ErrBadRequest("reading body: " + err.Error())
		return nil, &e
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		e := jsonapi.ErrBadRequest("body must be a JSON object")
		return nil, &e
	}

	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt != jsonapi.ContentType {
		return payload, nil
	}

	data, ok := payload["data"].(map[string]any)
	if !ok {
		e := jsonapi.NewError(http.StatusBadRequest, "bad_request", "Bad Request").
			Detail("JSON:API body must carry a data object").
			Pointer("/data").
			Build()
		return nil, &e
	}
	attrs, _ := data["attributes"].(map[string]any)
	if attrs == nil {
		attrs = map[string]any{}
	}
	return attrs, nil
}

func health(w http.ResponseWriter, _ *http.Request) {
	jsonapi.WriteMeta(w, http.StatusOK, jsonapi.Meta{"status": "ok"})
}
