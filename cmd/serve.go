package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/monitor-cli/internal/model"
	"github.com/sells-group/monitor-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring daemon: event ingest, scheduler, investigator",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return env.Orchestrator.Run(gctx)
		})
		g.Go(func() error {
			return env.Investigator.Run(gctx, env.Reconcile.Anomalies())
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		if err := g.Wait(); err != nil && !eris.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func newRouter(env *env) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/webhook/event", func(w http.ResponseWriter, r *http.Request) {
		var event model.DisclosureEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if event.EntityID == "" || event.Type == "" {
			writeError(w, http.StatusBadRequest, "entity_id and type are required")
			return
		}
		if event.ReceivedAt.IsZero() {
			event.ReceivedAt = time.Now().UTC()
		}

		outcome, err := env.Classifier.Classify(event)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "classification failed")
			return
		}
		if err := env.Store.RecordClassification(r.Context(), outcome.Record(event)); err != nil {
			zap.L().Error("record classification", zap.Error(err))
		}
		if err := env.Orchestrator.EnqueueForEvent(event, outcome.Priority, outcome.Handlers); err != nil {
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":   "accepted",
			"kind":     outcome.Kind,
			"priority": outcome.Priority,
			"handlers": outcome.Handlers,
		})
	})

	r.Post("/webhook/signal", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			EntityID   string  `json:"entity_id"`
			Kind       string  `json:"kind"`
			Confidence float64 `json:"confidence"`
			Magnitude  float64 `json:"magnitude"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.EntityID == "" || req.Kind == "" {
			writeError(w, http.StatusBadRequest, "entity_id and kind are required")
			return
		}
		if err := env.Orchestrator.RaiseSignal(r.Context(), req.EntityID, model.SignalKind(req.Kind), req.Confidence, req.Magnitude); err != nil {
			writeError(w, http.StatusInternalServerError, "signal failed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	r.Get("/entities", func(w http.ResponseWriter, r *http.Request) {
		filter := store.EntityFilter{Status: model.Status(r.URL.Query().Get("status"))}
		entities, err := env.Store.ListEntities(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list entities failed")
			return
		}
		writeJSON(w, http.StatusOK, entities)
	})

	r.Get("/entities/{id}", func(w http.ResponseWriter, r *http.Request) {
		ent, err := env.Store.GetEntity(r.Context(), chi.URLParam(r, "id"))
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "entity not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "get entity failed")
			return
		}
		writeJSON(w, http.StatusOK, ent)
	})

	r.Get("/cases", func(w http.ResponseWriter, r *http.Request) {
		filter := store.CaseFilter{
			EntityID: r.URL.Query().Get("entity_id"),
			Open:     r.URL.Query().Get("open") == "true",
		}
		cases, err := env.Store.ListCases(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list cases failed")
			return
		}
		writeJSON(w, http.StatusOK, cases)
	})

	r.Get("/cases/{id}", func(w http.ResponseWriter, r *http.Request) {
		c, err := env.Store.GetCase(r.Context(), chi.URLParam(r, "id"))
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "case not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "get case failed")
			return
		}
		writeJSON(w, http.StatusOK, c)
	})

	r.Post("/cases/approve/{token}", func(w http.ResponseWriter, r *http.Request) {
		c, err := env.Investigator.ApproveFix(r.Context(), chi.URLParam(r, "token"))
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "fix token not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, c)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
