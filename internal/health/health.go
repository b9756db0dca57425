// Package health serves the liveness and status endpoints of the bot.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"dualbot.ai/internal/lifecycle"
)

const service = "dualbot"

// Source reports the lifecycle status; *lifecycle.Manager satisfies it.
type Source interface {
	Status() lifecycle.Status
}

type Server struct {
	src    Source
	logger *log.Logger
	now    func() time.Time
}

func New(src Source, logger *log.Logger) *Server {
	return &Server{src: src, logger: logger, now: time.Now}
}

type healthz struct {
	Status    string          `json:"status"`
	Service   string          `json:"service"`
	Persona   string          `json:"persona,omitempty"`
	Phase     lifecycle.Phase `json:"phase"`
	Timestamp time.Time       `json:"timestamp"`
}

type statusBody struct {
	lifecycle.Status
	Uptime      string `json:"uptime"`
	OnlineFor   string `json:"online_for,omitempty"`
	SwitchCount string `json:"switch_count"`
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		st := s.src.Status()
		writeJSON(rw, http.StatusOK, healthz{
			Status:    "healthy",
			Service:   service,
			Persona:   st.Persona,
			Phase:     st.Phase,
			Timestamp: s.now().UTC(),
		})
	})
	mux.HandleFunc("/status", func(rw http.ResponseWriter, r *http.Request) {
		st := s.src.Status()
		now := s.now()
		body := statusBody{
			Status:      st,
			Uptime:      since(st.Started, now),
			SwitchCount: humanize.Comma(int64(st.Switches)),
		}
		if st.Phase == lifecycle.PhaseOnline {
			body.OnlineFor = since(st.Since, now)
		}
		writeJSON(rw, http.StatusOK, body)
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		st := s.src.Status()
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		online := 0
		if st.Phase == lifecycle.PhaseOnline {
			online = 1
		}
		fmt.Fprintf(rw, "# HELP dualbot_online Whether a persona session is online.\n")
		fmt.Fprintf(rw, "# TYPE dualbot_online gauge\n")
		fmt.Fprintf(rw, "dualbot_online{persona=%q} %d\n", st.Persona, online)
		fmt.Fprintf(rw, "# HELP dualbot_switches_total Sessions established since start.\n")
		fmt.Fprintf(rw, "# TYPE dualbot_switches_total counter\n")
		fmt.Fprintf(rw, "dualbot_switches_total %d\n", st.Switches)
		fmt.Fprintf(rw, "# HELP dualbot_uptime_seconds Seconds since the process started.\n")
		fmt.Fprintf(rw, "# TYPE dualbot_uptime_seconds gauge\n")
		fmt.Fprintf(rw, "dualbot_uptime_seconds %.0f\n", s.now().Sub(st.Started).Seconds())
	})
	mux.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(rw, r)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{
			"service": service,
			"endpoints": map[string]string{
				"/healthz": "liveness and active persona",
				"/status":  "lifecycle status",
				"/metrics": "prometheus metrics",
			},
		})
	})
	return mux
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()
	s.logger.Printf("health listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func since(t, now time.Time) string {
	return strings.TrimSpace(humanize.RelTime(t, now, "", ""))
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}
