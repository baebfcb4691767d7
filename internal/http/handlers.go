package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

const etaCacheTTL = 30 * time.Second

type Server struct {
	Engine *engine.Engine
	Kafka  *ingest.KafkaProducer
	Mirror *geo.RedisGeo
	WSReg  *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the engine and its optional collaborators from config.
// Everything beyond the in-memory engine is opt-in: redis mirror, kafka
// ingest, postgres archive, stripe and OSRM all activate only when their
// connection settings are present.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	store := storage.NewStore()
	eng := engine.New(store, logger)
	eng.DefaultSpeedMps = cfg.DefaultSpeedMps
	eng.BaseFareCents = cfg.BaseFareCents
	eng.Currency = cfg.Currency

	wsreg := dispatch.NewWSRegistry()
	eng.Dispatch = dispatch.NewPushDispatcher(cfg.PushEndpoint, wsreg)

	if cfg.OSRMEndpoint != "" {
		eng.ETA = &eta.Cached{Client: eta.NewOSRMClient(cfg.OSRMEndpoint), Cache: eta.NewCache(etaCacheTTL)}
	}
	if os.Getenv("STRIPE_API_KEY") != "" {
		eng.Payments = payments.NewStripeClient()
	}
	if cfg.PGDSN != "" {
		if archive, err := storage.NewPostgresArchive(cfg.PGDSN); err == nil {
			eng.Archive = archive
		} else {
			logger.Warn("postgres archive unavailable", "error", err)
		}
	}

	var mirror *geo.RedisGeo
	if cfg.RedisAddr != "" {
		mirror = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	s := &Server{
		Engine: eng,
		Kafka:  kp,
		Mirror: mirror,
		WSReg:  wsreg,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/drivers", s.handleCreateDriver).Methods("POST")
	s.mux.HandleFunc("/drivers", s.handleResetDrivers).Methods("DELETE")
	s.mux.HandleFunc("/drivers/{id}", s.handleDriverLocation).Methods("PATCH")

	s.mux.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	s.mux.HandleFunc("/orders", s.handleResetOrders).Methods("DELETE")
	s.mux.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	s.mux.HandleFunc("/orders/{id}", s.handleUpdateOrder).Methods("PATCH")

	s.mux.HandleFunc("/internal/drivers/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateDriver(w http.ResponseWriter, r *http.Request) {
	var req createDriverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Location != nil && !req.Location.Valid() {
		writeError(w, http.StatusBadRequest, "location out of range")
		return
	}
	d := s.Engine.CreateDriver(req.Location)
	writeJSON(w, http.StatusCreated, map[string]any{"id": d.ID})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req trackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Location == nil {
		writeError(w, http.StatusBadRequest, "location is required")
		return
	}
	if !req.Location.Valid() {
		writeError(w, http.StatusBadRequest, "location out of range")
		return
	}

	a, err := s.Engine.ReportLocation(id, *req.Location)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.publishLocation(r, id, *req.Location)

	resp := map[string]any{}
	if a != nil {
		resp["order"] = a.OrderID
		if a.ETASeconds > 0 {
			resp["eta_seconds"] = a.ETASeconds
		}
	} else if d, err := s.Engine.GetDriver(id); err == nil && d.HadOrder {
		// once a driver has held an assignment, idle polls carry an
		// explicit null so clients can read the key unconditionally
		resp["order"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResetDrivers(w http.ResponseWriter, r *http.Request) {
	s.Engine.ResetDrivers()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Location == nil {
		writeError(w, http.StatusBadRequest, "location is required")
		return
	}
	if !req.Location.Valid() {
		writeError(w, http.StatusBadRequest, "location out of range")
		return
	}
	if req.Status != "" && req.Status != string(models.StatusNew) {
		writeError(w, http.StatusBadRequest, "orders are created with status \"new\"")
		return
	}

	o := s.Engine.SubmitOrder(string(req.UID), *req.Location, req.pickup())
	writeJSON(w, http.StatusCreated, map[string]any{"id": o.ID})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Engine.GetOrder(mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": o.ID, "status": o.Status})
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req updateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, ok := models.ParseOrderStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	o, err := s.Engine.UpdateOrderStatus(r.Context(), id, status)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": o.ID, "status": o.Status})
}

func (s *Server) handleResetOrders(w http.ResponseWriter, r *http.Request) {
	s.Engine.ResetOrders()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if s.Mirror == nil {
		writeError(w, http.StatusServiceUnavailable, "geo mirror not configured")
		return
	}
	q := r.URL.Query()
	lon, err1 := strconv.ParseFloat(q.Get("lon"), 64)
	lat, err2 := strconv.ParseFloat(q.Get("lat"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "lon and lat are required")
		return
	}
	radius := 5000.0
	if v := q.Get("radius"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			radius = f
		}
	}
	ids, err := s.Mirror.Nearby(r.Context(), models.Coord{Lon: lon, Lat: lat}, radius, 20)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": ids})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(id, conn)
	// drain the socket so we notice disconnects
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Remove(id)
				return
			}
		}
	}()
}

// publishLocation fans the report out to kafka and the redis mirror,
// best-effort: the engine has already committed the in-memory update.
func (s *Server) publishLocation(r *http.Request, driverID string, loc models.Coord) {
	if s.Kafka != nil {
		ev := models.LocationEvent{DriverID: driverID, Location: loc, ReportedAt: nowUTC()}
		if err := s.Kafka.PublishLocation(ev); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", driverID, "error", err)
		}
	}
	if s.Mirror != nil {
		if err := s.Mirror.Upsert(r.Context(), driverID, loc); err != nil {
			s.logger.Warn("redis mirror update failed", "driver_id", driverID, "error", err)
		}
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrNoAssignment):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
