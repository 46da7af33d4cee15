package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/acquire"
	"github.com/sells-group/consensus-cli/internal/industry"
	"github.com/sells-group/consensus-cli/internal/metrics"
	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/pipeline"
	"github.com/sells-group/consensus-cli/internal/resilience"
	"github.com/sells-group/consensus-cli/internal/source"
)

const (
	defaultDeltaLimit = 50
	shutdownTimeout   = 10 * time.Second
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the consensus HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		go env.Housekeeping.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

type api struct {
	env *appEnv
	log *zap.Logger
}

// buildRouter wires the HTTP API onto env.
func buildRouter(env *appEnv, origins []string) http.Handler {
	a := &api{env: env, log: zap.L().With(zap.String("component", "api"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/consensus", a.consensus)
		r.Get("/sources", a.listSources)
		r.Get("/sources/stats", a.sourceStats)
		r.Post("/sources/{name}/enable", a.toggle(true))
		r.Post("/sources/{name}/disable", a.toggle(false))
		r.Get("/deltas/{entity}", a.deltas)
	})
	return r
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// noDataResponse is returned with 404 when no source produced anything and
// nothing was cached.
type noDataResponse struct {
	Error          string                  `json:"error"`
	Classification industry.Classification `json:"classification"`
	Outcomes       []acquire.Outcome       `json:"outcomes"`
}

func (a *api) consensus(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := a.env.Pipeline.AcquireConsensus(r.Context(), req)
	switch {
	case err == nil:
		writeResponse(w, http.StatusOK, resp)
	case resilience.KindOf(err) == resilience.KindValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case resilience.KindOf(err) == resilience.KindInsufficientData:
		out := noDataResponse{Error: "no data", Outcomes: []acquire.Outcome{}}
		if resp != nil {
			out.Classification = resp.Classification
			if resp.Outcomes != nil {
				out.Outcomes = resp.Outcomes
			}
		}
		writeResponse(w, http.StatusNotFound, out)
	default:
		a.log.Error("consensus request failed", zap.String("entity", req.EntityID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *api) listSources(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, http.StatusOK, a.env.Registry.List())
}

func (a *api) sourceStats(w http.ResponseWriter, r *http.Request) {
	window := 0
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive integer")
			return
		}
		window = n
	}
	out, err := collectStats(r.Context(), a.env, window)
	if err != nil {
		a.log.Error("source stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeResponse(w, http.StatusOK, out)
}

func (a *api) toggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var err error
		if enable {
			err = a.env.Registry.Enable(name)
		} else {
			err = a.env.Registry.Disable(name)
		}
		if errors.Is(err, source.ErrUnknownSource) {
			writeError(w, http.StatusNotFound, "unknown source "+name)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		d, _ := a.env.Registry.Get(name)
		writeResponse(w, http.StatusOK, d)
	}
}

func (a *api) deltas(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	limit := defaultDeltaLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var out []model.DeltaRecord
	if a.env.Store != nil {
		var err error
		out, err = a.env.Store.ListDeltas(r.Context(), entity, limit)
		if err != nil {
			a.log.Error("list deltas failed", zap.String("entity", entity), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	} else {
		out = a.env.Deltas.Recent(entity, limit)
	}
	if out == nil {
		out = []model.DeltaRecord{}
	}
	writeResponse(w, http.StatusOK, out)
}

func writeResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeResponse(w, status, map[string]string{"error": msg})
}
