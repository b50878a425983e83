package runtime

import (
	nethttp "net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qollective/qollective/internal/runtime/jsoncodec"
	"github.com/qollective/qollective/transport"
	"github.com/qollective/qollective/transport/hybrid"
	qnats "github.com/qollective/qollective/transport/nats"
)

// CapabilitiesView is the body of GET /api/capabilities.
type CapabilitiesView struct {
	Protocols []transport.Protocol         `json:"protocols"`
	Features  []transport.Features         `json:"features"`
	Cache     map[string]hybrid.CacheEntry `json:"cache"`
}

// RoutesView is the body of GET /api/routes.
type RoutesView struct {
	NATS      []qnats.Subscription `json:"nats,omitempty"`
	GRPC      []string             `json:"grpc,omitempty"`
	HTTP      []string             `json:"http,omitempty"`
	WebSocket []string             `json:"websocket,omitempty"`
	Events    map[string]string    `json:"events,omitempty"`
}

type healthView struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

func (rt *Runtime) mountIntrospection(r chi.Router) {
	r.Get("/healthz", rt.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(rt.cors)
		r.Get("/handlers", rt.handleGetHandlers)
		r.Get("/routes", rt.handleGetRoutes)
		r.Get("/capabilities", rt.handleGetCapabilities)
		r.Delete("/capabilities", rt.handleClearCapabilities)
		r.Get("/transports", rt.handleGetTransports)
		r.Get("/poison", rt.handleGetPoison)
		r.Options("/*", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
			w.WriteHeader(nethttp.StatusNoContent)
		})
	})
}

func (rt *Runtime) handleHealth(w nethttp.ResponseWriter, _ *nethttp.Request) {
	rt.mu.RLock()
	state := rt.state
	rt.mu.RUnlock()

	view := healthView{Status: "starting", Time: time.Now().UTC()}
	status := nethttp.StatusServiceUnavailable
	switch state {
	case stateRunning:
		view.Status, status = "ok", nethttp.StatusOK
	case stateDrained:
		view.Status = "draining"
	}
	rt.writeJSON(w, status, view)
}

func (rt *Runtime) handleGetHandlers(w nethttp.ResponseWriter, _ *nethttp.Request) {
	rt.writeJSON(w, nethttp.StatusOK, rt.Handlers())
}

func (rt *Runtime) handleGetRoutes(w nethttp.ResponseWriter, _ *nethttp.Request) {
	var view RoutesView
	if rt.natsServer != nil {
		view.NATS = rt.natsServer.Subjects()
	}
	if rt.grpcServer != nil {
		view.GRPC = rt.grpcServer.Methods()
	}
	if rt.httpServer != nil {
		view.HTTP = rt.httpServer.Routes()
	}
	if rt.wsServer != nil {
		for _, info := range rt.Handlers() {
			if info.Kind == HandlerKindRequest && containsTransport(info.Transports, transport.ProtocolWebSocket) {
				view.WebSocket = append(view.WebSocket, info.Route)
			}
		}
	}
	if rt.bus != nil {
		view.Events = rt.bus.Topics()
	}
	rt.writeJSON(w, nethttp.StatusOK, view)
}

func containsTransport(names []string, p transport.Protocol) bool {
	for _, n := range names {
		if n == string(p) {
			return true
		}
	}
	return false
}

func (rt *Runtime) handleGetCapabilities(w nethttp.ResponseWriter, _ *nethttp.Request) {
	rt.writeJSON(w, nethttp.StatusOK, CapabilitiesView{
		Protocols: rt.senders.Protocols(),
		Features:  rt.senders.Features(),
		Cache:     rt.dispatcher.CacheSnapshot(),
	})
}

func (rt *Runtime) handleClearCapabilities(w nethttp.ResponseWriter, _ *nethttp.Request) {
	rt.dispatcher.ClearCache()
	w.WriteHeader(nethttp.StatusNoContent)
}

func (rt *Runtime) handleGetTransports(w nethttp.ResponseWriter, _ *nethttp.Request) {
	rt.writeJSON(w, nethttp.StatusOK, rt.transportMetrics.Snapshot())
}

func (rt *Runtime) handleGetPoison(w nethttp.ResponseWriter, _ *nethttp.Request) {
	rt.writeJSON(w, nethttp.StatusOK, rt.poison.Snapshot(rt.cfg.EventsPoisonQueue))
}

func (rt *Runtime) writeJSON(w nethttp.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		rt.Logger.Error("Failed to encode introspection response", err, nil)
		nethttp.Error(w, "Internal Server Error", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// cors sets the CORS headers for allowed origins. Without configured
// origins no headers are sent.
func (rt *Runtime) cors(next nethttp.Handler) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if allowed := rt.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if allowed != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Runtime) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range rt.cfg.IntrospectionCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
