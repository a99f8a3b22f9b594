package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/simexchange/pkg/app/core/engine"
	"github.com/uhyunpark/simexchange/pkg/app/core/ledger"
	"github.com/uhyunpark/simexchange/pkg/metrics"
)

const (
	defaultArchiveLimit = 50
	maxArchiveLimit     = 1000
)

// Exchange is what the transport drives. *exchange.App implements it.
type Exchange interface {
	PlaceLimit(o engine.Order) ([]engine.Trade, error)
	PlaceMarket(side engine.Side, qty int64) ([]engine.Trade, error)
	Cancel(id string) error
	Order(id string) (engine.Order, bool)
	Snapshot() engine.Snapshot
	Trades(after uint64) []engine.Trade
	RecentTrades(limit int) ([]engine.Trade, error)
	ArchivedTrade(seq uint64) (engine.Trade, bool, error)
	PnL() ledger.Summary
	MarketPrice() decimal.Decimal
	SetPrice(price decimal.Decimal) error
	StateHashHex() string
}

type Config struct {
	CORSOrigins []string
	RateLimit   float64 // order-entry requests per second, 0 disables
	RateBurst   int
}

// Server handles REST API and WebSocket connections
type Server struct {
	ex       Exchange
	cfg      Config
	router   *mux.Router
	hub      *Hub
	validate *validator.Validate
	limiter  *rate.Limiter // nil when unlimited
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	mu       sync.Mutex // guards httpSrv and stopHub
	httpSrv  *http.Server
	stopHub  context.CancelFunc
}

func NewServer(ex Exchange, cfg Config, m *metrics.Metrics, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		ex:       ex,
		cfg:      cfg,
		router:   mux.NewRouter(),
		hub:      NewHub(logger.Named("ws")),
		validate: validator.New(),
		metrics:  m,
		logger:   logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.metricsMiddleware)

	// Order entry
	api.HandleFunc("/orders", s.limited(s.handleSubmitLimit)).Methods("POST")
	api.HandleFunc("/orders/market", s.limited(s.handleSubmitMarket)).Methods("POST")
	api.HandleFunc("/orders/{id}", s.limited(s.handleCancelOrder)).Methods("DELETE")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	// Market data
	api.HandleFunc("/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/trades/archive", s.handleGetArchivedTrades).Methods("GET")
	api.HandleFunc("/trades/archive/{seq:[0-9]+}", s.handleGetArchivedTrade).Methods("GET")
	api.HandleFunc("/pnl", s.handleGetPnL).Methods("GET")
	api.HandleFunc("/price", s.limited(s.handleSetPrice)).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check and metrics
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Hub exposes the WebSocket hub for broadcasting.
func (s *Server) Hub() *Hub { return s.hub }

// RunHub starts the WebSocket hub; it stops when ctx is done or on Shutdown.
func (s *Server) RunHub(ctx context.Context) {
	hubCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stopHub = cancel
	s.mu.Unlock()
	go s.hub.Run(hubCtx)
}

// Start starts the hub and serves HTTP until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.RunHub(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Infow("api_server_listening", "addr", addr)
	return srv.ListenAndServe()
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// every WebSocket client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, stopHub := s.httpSrv, s.stopHub
	s.mu.Unlock()
	if stopHub != nil {
		stopHub()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ==============================
// Middleware
// ==============================

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate limited", "order entry budget exhausted, retry later")
			return
		}
		next(w, r)
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// statusWriter records the status code written by a handler
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitLimit(w http.ResponseWriter, r *http.Request) {
	var req LimitOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	side, err := engine.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}

	o := engine.Order{ID: req.ID, Side: side, Price: req.Price, Qty: req.Quantity}
	if req.StopLoss != nil {
		o.StopLoss = decimal.NewNullDecimal(*req.StopLoss)
	}
	if req.TakeProfit != nil {
		o.TakeProfit = decimal.NewNullDecimal(*req.TakeProfit)
	}

	trades, err := s.ex.PlaceLimit(o)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	var filled int64
	for _, t := range trades {
		filled += t.Qty
	}
	resp := SubmitOrderResponse{
		OrderID:   req.ID,
		Filled:    filled,
		Remaining: req.Quantity - filled,
		Trades:    nonNil(trades),
	}
	switch {
	case resp.Remaining == 0:
		resp.Status = "filled"
	case filled > 0:
		resp.Status = "partially_filled"
	default:
		resp.Status = "resting"
	}

	s.logger.Infow("order_submitted", "id", req.ID, "side", side, "price", req.Price, "qty", req.Quantity, "filled", filled)
	respondJSONStatus(w, http.StatusCreated, resp)
}

func (s *Server) handleSubmitMarket(w http.ResponseWriter, r *http.Request) {
	var req MarketOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	side, err := engine.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}

	trades, err := s.ex.PlaceMarket(side, req.Quantity)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	var filled int64
	for _, t := range trades {
		filled += t.Qty
	}
	resp := SubmitOrderResponse{
		Filled:    filled,
		Remaining: req.Quantity - filled,
		Trades:    nonNil(trades),
	}
	switch {
	case resp.Remaining == 0:
		resp.Status = "filled"
	case filled > 0:
		resp.Status = "partially_filled"
	default:
		resp.Status = "unfilled"
	}

	s.logger.Infow("market_order_submitted", "side", side, "qty", req.Quantity, "filled", filled)
	respondJSON(w, resp)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ex.Cancel(id); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, CancelOrderResponse{Status: "cancelled", OrderID: id})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, ok := s.ex.Order(id)
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", id)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	snap := s.ex.Snapshot()
	respondJSON(w, OrderbookSnapshot{
		MarketPrice: snap.MarketPrice,
		Bids:        aggregateLevels(snap.Buys),
		Asks:        aggregateLevels(snap.Sells),
		BuyOrders:   nonNilOrders(snap.Buys),
		SellOrders:  nonNilOrders(snap.Sells),
		TradeCount:  len(snap.Trades),
		Timestamp:   time.Now().UnixMilli(),
	})
}

// handleGetTrades returns the in-memory history, optionally only trades with
// seq greater than ?after=.
func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid after", err.Error())
			return
		}
		after = n
	}
	respondJSON(w, nonNil(s.ex.Trades(after)))
}

func (s *Server) handleGetArchivedTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultArchiveLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxArchiveLimit)
	}

	trades, err := s.ex.RecentTrades(limit)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "archive unavailable", err.Error())
		return
	}
	respondJSON(w, nonNil(trades))
}

func (s *Server) handleGetArchivedTrade(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(mux.Vars(r)["seq"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid seq", err.Error())
		return
	}
	t, ok, err := s.ex.ArchivedTrade(seq)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "archive unavailable", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "trade not found", strconv.FormatUint(seq, 10))
		return
	}
	respondJSON(w, t)
}

func (s *Server) handleGetPnL(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, PnLResponse{Summary: s.ex.PnL(), MarketPrice: s.ex.MarketPrice()})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceTickRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ex.SetPrice(req.Price); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, TickUpdate{Type: "tick", Price: req.Price, Timestamp: time.Now().UnixMilli()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:      "ok",
		MarketPrice: s.ex.MarketPrice(),
		StateHash:   s.ex.StateHashHex(),
		WSClients:   s.hub.ClientCount(),
	})
}

// ==============================
// Broadcast Methods (called from the exchange hooks)
// ==============================

// BroadcastTrades pushes each trade on the trades channel, then the resulting
// book on the orderbook channel.
func (s *Server) BroadcastTrades(trades []engine.Trade) {
	for _, t := range trades {
		s.hub.BroadcastToChannel(ChannelTrades, TradeUpdate{Type: "trade", Trade: t})
	}
	s.BroadcastOrderbook()
}

func (s *Server) BroadcastTick(price decimal.Decimal) {
	s.hub.BroadcastToChannel(ChannelTicks, TickUpdate{
		Type:      "tick",
		Price:     price,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) BroadcastOrderbook() {
	snap := s.ex.Snapshot()
	s.hub.BroadcastToChannel(ChannelOrderbook, OrderbookUpdate{
		Type:      "orderbook",
		Bids:      aggregateLevels(snap.Buys),
		Asks:      aggregateLevels(snap.Sells),
		Timestamp: time.Now().UnixMilli(),
	})
}

// ==============================
// Helper Functions
// ==============================

// aggregateLevels folds orders (already in priority order) into price levels.
func aggregateLevels(orders []engine.Order) []PriceLevel {
	levels := make([]PriceLevel, 0)
	for _, o := range orders {
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Size += o.Qty
			levels[n-1].Orders++
			continue
		}
		levels = append(levels, PriceLevel{Price: o.Price, Size: o.Qty, Orders: 1})
	}
	return levels
}

func nonNil(trades []engine.Trade) []engine.Trade {
	if trades == nil {
		return []engine.Trade{}
	}
	return trades
}

func nonNilOrders(orders []engine.Order) []engine.Order {
	if orders == nil {
		return []engine.Order{}
	}
	return orders
}

// decode reads a JSON body and validates it; on failure it writes a 400.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			respondError(w, http.StatusBadRequest, "invalid request", err.Error())
			return false
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			field := strings.ToLower(fe.Field())
			if fe.Tag() == "required" {
				msgs = append(msgs, field+" is required")
			} else {
				msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", field, fe.Tag()))
			}
		}
		respondError(w, http.StatusBadRequest, "invalid request", strings.Join(msgs, "; "))
		return false
	}
	return true
}

// respondEngineError maps engine sentinel errors to HTTP status codes.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidOrder):
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
	case errors.Is(err, engine.ErrInvalidPrice):
		respondError(w, http.StatusBadRequest, "invalid price", err.Error())
	case errors.Is(err, engine.ErrDuplicateOrderID):
		respondError(w, http.StatusConflict, "duplicate order id", err.Error())
	case errors.Is(err, engine.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "order not found", err.Error())
	default:
		s.logger.Errorw("request_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
