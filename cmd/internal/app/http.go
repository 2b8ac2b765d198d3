package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"courier/cmd/internal/gateway"
	"courier/cmd/internal/metrics"
	"courier/cmd/internal/relay"
)

func registerHTTP(
	mux *http.ServeMux,
	log *slog.Logger,
	cfg Config,
	pool *pgxpool.Pool,
	gw *gateway.WSGateway,
	consumer *relay.Consumer,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	// Readiness surfaces relay health to the operational layer: a consumer
	// stuck failing its polls makes the instance not-ready.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !consumer.Healthy() {
			log.Info("readyz.relay.not_ready", "state", consumer.State().String())
			http.Error(w, "relay not ready", http.StatusServiceUnavailable)
			return
		}

		if cfg.ReadinessRequireDB && pool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if pool != nil {
			if err := PingDB(r.Context(), pool, 2*time.Second); err != nil {
				log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", gw.HandleWS)
}
