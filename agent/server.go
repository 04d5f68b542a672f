package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/usbnode/agent/iso"
	"github.com/usbnode/agent/monitor"
	"github.com/usbnode/agent/network"
	"github.com/usbnode/agent/remote"
)

// httpCloser is the slice of http.Server that Shutdown needs.
type httpCloser interface {
	Shutdown(ctx context.Context) error
}

// statusReport is the /status response body.
type statusReport struct {
	Healthy bool                            `json:"healthy"`
	Network network.Status                  `json:"network"`
	Remote  []remote.ServiceStatus          `json:"remote"`
	Mounts  []iso.MountRecord               `json:"mounts"`
	Disk    string                          `json:"disk_state"`
	Checks  map[string]monitor.HealthRecord `json:"checks"`
}

// startHTTP serves the local health, status and metrics endpoints. Errors
// other than a clean shutdown are reported on errCh.
func (a *Agent) startHTTP(errCh chan<- error) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/status", a.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              a.cfg.Agent.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return srv
}

func (a *Agent) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !a.monitor.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"healthy": a.monitor.Healthy(),
		"checks":  a.monitor.Results(),
	})
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusReport{
		Healthy: a.monitor.Healthy(),
		Network: a.network.Status(),
		Remote:  a.remote.Status(),
		Mounts:  a.iso.Mounts(),
		Disk:    string(a.disk.State()),
		Checks:  a.monitor.Results(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
