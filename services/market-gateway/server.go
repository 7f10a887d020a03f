package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"custodia/config"
	"custodia/gateway/auth"
	"custodia/gateway/middleware"
	"custodia/native/ledger"
	"custodia/native/market"
)

// Server is the HTTP front-end for the marketplace settlement engine. Every
// /v1 route requires a signed request; the resolved principal address is the
// caller the registry sees.
type Server struct {
	logger        *slog.Logger
	authenticator *auth.Authenticator
	registry      *market.Registry
	principals    map[string][20]byte
	observability *middleware.Observability
	limiter       *middleware.RateLimiter
}

// NewServer wires the settlement registry behind authenticated HTTP routes.
func NewServer(logger *slog.Logger, authenticator *auth.Authenticator, registry *market.Registry, principals map[string][20]byte, obs *middleware.Observability, limiter *middleware.RateLimiter) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if authenticator == nil {
		panic("authenticator required")
	}
	if registry == nil {
		panic("registry required")
	}
	cloned := make(map[string][20]byte, len(principals))
	for k, v := range principals {
		cloned[k] = v
	}
	return &Server{
		logger:        logger,
		authenticator: authenticator,
		registry:      registry,
		principals:    cloned,
		observability: obs,
		limiter:       limiter,
	}
}

// Router assembles the chi mux with rate limiting, per-route metrics and the
// unauthenticated health and metrics endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.limiter != nil {
		r.Use(s.limiter.Middleware())
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.observability != nil {
		r.Handle("/metrics", s.observability.MetricsHandler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(s.instrument("create_listing")).Post("/listings", s.handleCreateListing)
		r.With(s.instrument("list_listings")).Get("/listings", s.handleListListings)
		r.With(s.instrument("get_listing")).Get("/listings/{id}", s.handleGetListing)
		r.With(s.instrument("buy")).Post("/listings/{id}/buy", s.handleBuy)
		r.With(s.instrument("confirm")).Post("/listings/{id}/confirm", s.handleConfirm)
		r.With(s.instrument("refund")).Post("/listings/{id}/refund", s.handleRefund)
		r.With(s.instrument("delist")).Post("/listings/{id}/delist", s.handleDelist)
		r.With(s.instrument("quote_fee")).Get("/fees/quote", s.handleQuoteFee)
		r.With(s.instrument("stats")).Get("/stats", s.handleStats)

		r.Route("/admin", func(r chi.Router) {
			r.With(s.instrument("admin_cancel")).Post("/listings/{id}/cancel", s.handleCancel)
			r.With(s.instrument("admin_pause")).Post("/pause", s.handlePause)
			r.With(s.instrument("admin_unpause")).Post("/unpause", s.handleUnpause)
			r.With(s.instrument("admin_fee")).Post("/fee", s.handleSetFee)
			r.With(s.instrument("admin_fee_recipient")).Post("/fee-recipient", s.handleSetFeeRecipient)
			r.With(s.instrument("admin_transfer")).Post("/transfer-admin", s.handleTransferAdmin)
			r.With(s.instrument("admin_sweep")).Post("/sweep", s.handleSweep)
		})
	})
	return r
}

func (s *Server) instrument(route string) func(http.Handler) http.Handler {
	if s.observability == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.observability.Middleware(route)
}

// authorize reads the body, verifies the signature and resolves the caller's
// ledger address. It writes the error response itself on failure.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) ([20]byte, []byte, bool) {
	var zero [20]byte
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(auth.MaxBodyForSignature)+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return zero, nil, false
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return zero, nil, false
	}
	addr, ok := s.principals[principal.APIKey]
	if !ok {
		writeError(w, http.StatusForbidden, errors.New("API key has no ledger principal"))
		return zero, nil, false
	}
	return addr, body, true
}

type createListingRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	MediaRef      string `json:"mediaRef"`
	Category      string `json:"category"`
	Price         string `json:"price"`
	DeliveryHours uint64 `json:"deliveryHours"`
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req createListingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	category, err := market.ParseCategory(req.Category)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	listing, err := s.registry.CreateListing(caller, market.CreateListingInput{
		Title:         req.Title,
		Description:   req.Description,
		MediaRef:      req.MediaRef,
		Category:      category,
		Price:         price,
		DeliveryHours: req.DeliveryHours,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("listing created", "id", listing.ID, "seller", config.FormatAddress(listing.Seller))
	writeJSON(w, http.StatusCreated, renderListing(listing))
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authorize(w, r); !ok {
		return
	}
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	listing, err := s.registry.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	payload := renderListing(listing)
	if listing.Status == market.StatusSold {
		if expired, err := s.registry.IsExpired(id); err == nil {
			payload.Expired = &expired
		}
		if remaining, err := s.registry.TimeRemaining(id); err == nil {
			payload.TimeRemaining = &remaining
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authorize(w, r); !ok {
		return
	}
	q := r.URL.Query()
	limit := 20
	offset := 0
	var err error
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	filter, filtered, err := parseFilter(q)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var listings []*market.Listing
	if filtered {
		listings, err = s.registry.ListFiltered(filter, limit, offset)
	} else {
		listings, err = s.registry.ListPage(limit, offset)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	payload := make([]listingPayload, 0, len(listings))
	for _, l := range listings {
		payload = append(payload, renderListing(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": payload})
}

func parseFilter(q map[string][]string) (market.Filter, bool, error) {
	var f market.Filter
	filtered := false
	get := func(key string) string {
		if vals, ok := q[key]; ok && len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
		return ""
	}
	if raw := get("seller"); raw != "" {
		addr, err := config.ParseAddress(raw)
		if err != nil {
			return f, false, err
		}
		f.Seller = &addr
		filtered = true
	}
	if raw := get("buyer"); raw != "" {
		addr, err := config.ParseAddress(raw)
		if err != nil {
			return f, false, err
		}
		f.Buyer = &addr
		filtered = true
	}
	if raw := get("category"); raw != "" {
		category, err := market.ParseCategory(raw)
		if err != nil {
			return f, false, err
		}
		f.Category = &category
		filtered = true
	}
	if raw := get("status"); raw != "" {
		status, err := market.ParseStatus(raw)
		if err != nil {
			return f, false, err
		}
		f.Status = &status
		filtered = true
	}
	if raw := get("minPrice"); raw != "" {
		amount, err := parseAmount(raw)
		if err != nil {
			return f, false, err
		}
		f.MinPrice = amount
		filtered = true
	}
	if raw := get("maxPrice"); raw != "" {
		amount, err := parseAmount(raw)
		if err != nil {
			return f, false, err
		}
		f.MaxPrice = amount
		filtered = true
	}
	return f, filtered, nil
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "listing sold", s.registry.Buy)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "delivery confirmed", s.registry.ConfirmDelivery)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "listing refunded", s.registry.RequestRefund)
}

func (s *Server) handleDelist(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "listing delisted", s.registry.Delist)
}

// handleTransition factors the shared shape of the four body-less escrow
// transitions: authenticate, apply, return the updated listing.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, msg string, op func([20]byte, uint64) error) {
	caller, _, ok := s.authorize(w, r)
	if !ok {
		return
	}
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := op(caller, id); err != nil {
		writeDomainError(w, err)
		return
	}
	listing, err := s.registry.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info(msg, "id", id, "caller", config.FormatAddress(caller))
	writeJSON(w, http.StatusOK, renderListing(listing))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req cancelRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.Cancel(caller, id, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	listing, err := s.registry.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Warn("listing cancelled", "id", id, "reason", req.Reason)
	writeJSON(w, http.StatusOK, renderListing(listing))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, _, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if err := s.registry.Pause(caller); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Warn("market paused", "caller", config.FormatAddress(caller))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	caller, _, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if err := s.registry.Unpause(caller); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("market unpaused", "caller", config.FormatAddress(caller))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type setFeeRequest struct {
	Bps uint32 `json:"bps"`
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req setFeeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.SetPlatformFeeBps(caller, req.Bps); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"platformFeeBps": req.Bps})
}

type addressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleSetFeeRecipient(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	recipient, ok := decodeAddressRequest(w, body)
	if !ok {
		return
	}
	if err := s.registry.SetFeeRecipient(caller, recipient); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"feeRecipient": config.FormatAddress(recipient)})
}

func (s *Server) handleTransferAdmin(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	next, ok := decodeAddressRequest(w, body)
	if !ok {
		return
	}
	if err := s.registry.TransferAdmin(caller, next); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Warn("administrator transferred", "next", config.FormatAddress(next))
	writeJSON(w, http.StatusOK, map[string]string{"admin": config.FormatAddress(next)})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authorize(w, r)
	if !ok {
		return
	}
	to, ok := decodeAddressRequest(w, body)
	if !ok {
		return
	}
	swept, err := s.registry.SweepMisdirected(caller, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"swept": swept.String(), "to": config.FormatAddress(to)})
}

func decodeAddressRequest(w http.ResponseWriter, body []byte) ([20]byte, bool) {
	var zero [20]byte
	var req addressRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return zero, false
	}
	addr, err := config.ParseAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return zero, false
	}
	return addr, true
}

func (s *Server) handleQuoteFee(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authorize(w, r); !ok {
		return
	}
	q := r.URL.Query()
	price, err := parseAmount(q.Get("price"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	category, err := market.ParseCategory(q.Get("category"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	highValue := price.Cmp(market.HighValueThreshold) >= 0
	fee := s.registry.QuoteFee(price, category, highValue)
	writeJSON(w, http.StatusOK, map[string]any{
		"price":     price.String(),
		"category":  category.String(),
		"highValue": highValue,
		"fee":       fee.String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authorize(w, r); !ok {
		return
	}
	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"totalListings": stats.TotalListings,
		"totalSales":    stats.TotalSales,
		"totalVolume":   stats.TotalVolume.String(),
		"totalFees":     stats.TotalFees.String(),
		"paused":        s.registry.Paused(),
	})
}

type listingPayload struct {
	ID            uint64 `json:"id"`
	Seller        string `json:"seller"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	MediaRef      string `json:"mediaRef,omitempty"`
	Category      string `json:"category"`
	Price         string `json:"price"`
	DeliveryHours uint64 `json:"deliveryHours"`
	HighValue     bool   `json:"highValue"`
	MetaHash      string `json:"metaHash"`
	CreatedAt     int64  `json:"createdAt"`
	Status        string `json:"status"`
	Buyer         string `json:"buyer,omitempty"`
	PurchasedAt   int64  `json:"purchasedAt,omitempty"`
	Deadline      int64  `json:"deadline,omitempty"`
	CancelReason  string `json:"cancelReason,omitempty"`
	Vault         string `json:"vault"`

	Expired       *bool  `json:"expired,omitempty"`
	TimeRemaining *int64 `json:"timeRemaining,omitempty"`
}

func renderListing(l *market.Listing) listingPayload {
	payload := listingPayload{
		ID:            l.ID,
		Seller:        config.FormatAddress(l.Seller),
		Title:         l.Title,
		Description:   l.Description,
		MediaRef:      l.MediaRef,
		Category:      l.Category.String(),
		Price:         l.Price.String(),
		DeliveryHours: l.DeliveryHours,
		HighValue:     l.HighValue,
		MetaHash:      hex.EncodeToString(l.MetaHash[:]),
		CreatedAt:     l.CreatedAt,
		Status:        l.Status.String(),
		PurchasedAt:   l.PurchasedAt,
		Deadline:      l.Deadline,
		CancelReason:  l.CancelReason,
		Vault:         config.FormatAddress(market.VaultAddress(l.ID)),
	}
	if l.Buyer != ([20]byte{}) {
		payload.Buyer = config.FormatAddress(l.Buyer)
	}
	return payload
}

func parseID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount is required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, errors.New("amount must be a base-10 integer")
	}
	return amount, nil
}

// writeDomainError maps registry sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, market.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrPaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, market.ErrInvalidState),
		errors.Is(err, market.ErrSelfPurchase),
		errors.Is(err, market.ErrDeadlineNotReached):
		status = http.StatusConflict
	case errors.Is(err, market.ErrInsufficientFunds),
		errors.Is(err, market.ErrInsufficientAllowance),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAllowance):
		status = http.StatusPaymentRequired
	case errors.Is(err, market.ErrReentrancy):
		status = http.StatusConflict
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
