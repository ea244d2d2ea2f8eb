package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"inviqa/mail-outbox-relay/log"
)

const defaultCheckTimeout = time.Second * 1

type Pinger interface {
	PingContext(ctx context.Context) error
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// report is the body written by the healthz handler. Dependencies are only
// reported for readiness checks.
type report struct {
	Database     string            `json:"database"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

type healthzHandler struct {
	checkAddr []string
	db        Pinger
	dial      dialFunc
	timeout   time.Duration
}

// NewHealthzHandler returns the liveness and readiness handler of the relay.
// Liveness checks the mail database, readiness (?readiness=1) also checks
// that every address in checkAddr, the SMTP relay and Kafka brokers, accepts
// TCP connections.
func NewHealthzHandler(checkAddr []string, db Pinger) http.Handler {
	return &healthzHandler{
		checkAddr: checkAddr,
		db:        db,
		dial:      (&net.Dialer{}).DialContext,
		timeout:   defaultCheckTimeout,
	}
}

func (h healthzHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), h.timeout)
	defer cancel()

	rep := report{Database: "ok"}
	healthy := h.checkDatabase(ctx)
	if !healthy {
		rep.Database = "unavailable"
	}

	if req.URL.Query().Get("readiness") == "1" {
		rep.Dependencies = map[string]string{}
		for _, addr := range h.checkAddr {
			if h.checkService(ctx, addr) {
				rep.Dependencies[addr] = "ok"
			} else {
				rep.Dependencies[addr] = "unreachable"
				healthy = false
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(rep); err != nil {
		log.Logger.WithError(err).Debug("unable to write the healthz report")
	}
}

func (h healthzHandler) checkDatabase(ctx context.Context) bool {
	if err := h.db.PingContext(ctx); err != nil {
		log.Logger.WithError(err).Debug("mail database is not available or there is a problem with connectivity")
		return false
	}
	return true
}

func (h healthzHandler) checkService(ctx context.Context, addr string) bool {
	log.Logger.Debugf("checking connectivity to %s", addr)
	conn, err := h.dial(ctx, "tcp", addr)
	if err != nil {
		log.Logger.WithError(err).Debugf("unable to connect to %s", addr)
		return false
	}
	_ = conn.Close()

	return true
}
