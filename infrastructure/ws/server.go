package ws

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"emberchat/domain/event"
	"emberchat/observability"
	"emberchat/registry"
	"emberchat/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	log        *slog.Logger
	engine     *services.BroadcastService
	registry   *registry.Registry
	metrics    *observability.Metrics
	gatherer   prometheus.Gatherer
	upgrader   websocket.Upgrader
	jwtSecret  []byte
	bufferSize int
}

func NewServer(
	log *slog.Logger,
	engine *services.BroadcastService,
	reg *registry.Registry,
	metrics *observability.Metrics,
	gatherer prometheus.Gatherer,
	jwtSecret string,
	bufferSize int,
) *Server {
	return &Server{
		log:      log,
		engine:   engine,
		registry: reg,
		metrics:  metrics,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The bus has no cookie-based auth surface; origin policy is
			// the reverse proxy's job.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		jwtSecret:  []byte(jwtSecret),
		bufferSize: bufferSize,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWS)
	return r
}

// handleWS owns one connection's lifecycle: upgrade, register, replay,
// read loop, and unconditional unregistration on the way out.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity := sourceIdentity(r)
	accountKey := s.accountKey(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "identity", identity, "error", err)
		return
	}

	ch := newChannel(conn, s.bufferSize, s.log)
	go ch.writePump()

	s.registry.Register(ch, identity)
	s.metrics.LiveConnections.Inc()
	defer func() {
		s.registry.Unregister(ch)
		s.metrics.LiveConnections.Dec()
		ch.close()
	}()

	s.engine.HandleConnect(ch, identity)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug("client disconnected", "identity", identity, "error", err)
			return
		}
		s.dispatch(ch, identity, accountKey, raw)
	}
}

func (s *Server) dispatch(ch *Channel, identity, accountKey string, raw []byte) {
	cmd, err := decodeInbound(raw)
	if err != nil {
		s.log.Debug("malformed inbound event", "identity", identity, "error", err)
		_ = ch.Send(event.Error("Malformed event"))
		return
	}
	switch cmd.Type {
	case typeSendMessage:
		s.engine.HandleSend(ch, identity, accountKey, cmd.Content)
	case typeGuardianAction:
		s.engine.HandleGuardianAction(ch, identity, cmd.Action, cmd.MessageID, cmd.Duration)
	}
}

// sourceIdentity is the network-origin key used for rate limiting and
// muting, independent of any authenticated account.
func sourceIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type accountClaims struct {
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

// accountKey extracts the durable account id from an optional bearer
// token. It only keys temporary-handle lookups; an absent or invalid
// token just means the sender stays anonymous.
func (s *Server) accountKey(r *http.Request) string {
	if len(s.jwtSecret) == 0 {
		return ""
	}
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return ""
	}
	token, err := jwt.ParseWithClaims(raw, &accountClaims{}, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		s.log.Debug("account token rejected", "error", err)
		return ""
	}
	claims, ok := token.Claims.(*accountClaims)
	if !ok || !token.Valid {
		return ""
	}
	return claims.AccountID
}
