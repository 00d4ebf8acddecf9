package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/metrics"
	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
)

const maxRequestBody = 1 << 20

var servePort int

type extractRequest struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Source string `json:"source"`
}

type resolveRequest struct {
	Customers     []string `json:"customers"`
	Issues        []string `json:"issues"`
	SignalRef     string   `json:"signal_ref"`
	ThreadID      string   `json:"thread_id"`
	RootCustomers []string `json:"root_customers"`
}

type resolveResponse struct {
	Customers []string                `json:"customers"`
	Issues    []string                `json:"issues"`
	Entities  []model.CanonicalEntity `json:"entities"`
}

// newRouter builds the HTTP API over env.
func newRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth(env))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/extract", handleExtract(env))
		r.Post("/resolve", handleResolve(env))
		r.Get("/budget/{agent}", handleBudget(env))
		r.Post("/signals/{id}/process", handleProcess(env))
	})
	return r
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError renders err as the structured error body, correlated with
// the request id.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	ce := resilience.Classify(err).WithCorrelation(middleware.GetReqID(r.Context()))
	resp := ce.ToResponse()
	if resp.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(resp.RetryAfterSeconds+0.5)))
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", string(ce.Kind)),
			zap.Error(err),
		)
	}
	respondJSON(w, resp.StatusCode, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close() //nolint:errcheck
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return resilience.Validation("invalid request body: %v", err)
	}
	return nil
}

func handleHealth(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		breakers := map[string]string{}
		if env.Breakers != nil {
			for name, state := range env.Breakers.States() {
				breakers[name] = state.String()
			}
		}
		if err := env.Store.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "breakers": breakers})
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "breakers": breakers})
	}
}

func handleExtract(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req extractRequest
		if err := decodeBody(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}
		if (req.ID == "") == (strings.TrimSpace(req.Text) == "") {
			respondError(w, r, resilience.Validation("exactly one of id or text is required"))
			return
		}

		sig := adHocSignal(req.Source, req.Text)
		if req.ID != "" {
			stored, err := env.Store.GetSignal(r.Context(), req.ID)
			if err != nil {
				respondError(w, r, err)
				return
			}
			sig = stored
		}

		out, err := previewSignal(r.Context(), env, sig)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, out)
	}
}

func handleResolve(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if err := decodeBody(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}
		entities := env.Pipeline.Resolver().Resolve(
			model.Candidates{Customers: req.Customers, Issues: req.Issues},
			model.ThreadContext{SignalRef: req.SignalRef, ThreadID: req.ThreadID, RootCustomers: req.RootCustomers},
		)
		if entities == nil {
			entities = []model.CanonicalEntity{}
		}
		respondJSON(w, http.StatusOK, resolveResponse{
			Customers: nonNil(model.EntityNames(entities, model.EntityCustomer)),
			Issues:    nonNil(model.EntityNames(entities, model.EntityIssue)),
			Entities:  entities,
		})
	}
}

func handleBudget(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, checkBudget(r.Context(), env.Gate, chi.URLParam(r, "agent")))
	}
}

func handleProcess(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := env.Pipeline.ProcessByID(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, res)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the extraction and resolution HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
