package market

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"custodia/core/events"
	nativecommon "custodia/native/common"
	"custodia/native/ledger"
	"custodia/storage"
)

// moduleName keys the registry's pause flag.
const moduleName = "market"

// MaxPageLimit bounds every enumeration and predicate query.
const MaxPageLimit = 100

var (
	storeKeyNextID  = []byte("market/nextid")
	storeKeyStats   = []byte("market/stats")
	storeKeyListing = "market/listing/"
)

// RegistryAddress is the ledger account buyers authorize fee pulls against.
func RegistryAddress() [20]byte {
	hash := ethcrypto.Keccak256([]byte("custodia/market/registry"))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// Stats aggregates registry-wide counters. Volume and fees are cumulative
// over all completed purchases.
type Stats struct {
	TotalListings uint64   `json:"totalListings"`
	TotalSales    uint64   `json:"totalSales"`
	TotalVolume   *big.Int `json:"totalVolume"`
	TotalFees     *big.Int `json:"totalFees"`
}

// CreateListingInput carries the caller-supplied listing metadata.
type CreateListingInput struct {
	Title         string
	Description   string
	MediaRef      string
	Category      Category
	Price         *big.Int
	DeliveryHours uint64
}

// Filter selects listings in predicate queries. Nil fields match everything.
type Filter struct {
	Seller   *[20]byte
	Buyer    *[20]byte
	Category *Category
	Status   *Status
	MinPrice *big.Int
	MaxPrice *big.Int
}

// Registry is the factory and sole controller for listing escrows. It assigns
// sequential identifiers, enforces the fee policy at purchase time, and
// serializes every operation behind a single mutex so each logical operation
// fully completes before the next begins.
type Registry struct {
	mu sync.RWMutex

	ledger    ledger.Ledger
	emitter   events.Emitter
	store     storage.Database
	pauses    *nativecommon.PauseSet
	guard     reentrancyGuard
	nowFn     func() int64
	admin     [20]byte
	feeTo     [20]byte
	feePolicy FeePolicy

	nextID   uint64
	listings map[uint64]*Listing
	order    []uint64
	stats    Stats
}

// NewRegistry builds a registry bound to the ledger with the given
// administrator. The admin also receives fees until SetFeeRecipient changes
// the recipient.
func NewRegistry(l ledger.Ledger, admin [20]byte) (*Registry, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: nil ledger", ErrValidation)
	}
	if admin == ([20]byte{}) {
		return nil, fmt.Errorf("%w: admin address must not be zero", ErrValidation)
	}
	return &Registry{
		ledger:    l,
		emitter:   events.NoopEmitter{},
		pauses:    nativecommon.NewPauseSet(),
		nowFn:     func() int64 { return time.Now().Unix() },
		admin:     admin,
		feeTo:     admin,
		feePolicy: DefaultFeePolicy(),
		nextID:    1,
		listings:  make(map[uint64]*Listing),
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the logical clock. Intended for tests; the registry
// never advances time itself.
func (r *Registry) SetNowFunc(now func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// SetStore attaches a snapshot database. Listings are persisted after every
// committed transition; LoadFromStore rehydrates on boot. The in-memory state
// remains the source of truth while the process runs.
func (r *Registry) SetStore(db storage.Database) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = db
}

func (r *Registry) emit(evt events.Event) {
	if r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(evt)
}

func (r *Registry) now() int64 {
	if r.nowFn == nil {
		return time.Now().Unix()
	}
	return r.nowFn()
}

// CreateListing validates the input, allocates the next identifier and admits
// the listing with its escrow in the Created state. The high-value flag is
// computed once here and never recomputed.
func (r *Registry) CreateListing(caller [20]byte, in CreateListingInput) (*Listing, error) {
	// No ledger movement happens here, so the registry mutex alone
	// serializes creation; the per-listing guard is not involved.
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return nil, ErrPaused
	}
	if caller == ([20]byte{}) {
		return nil, fmt.Errorf("%w: seller address must not be zero", ErrValidation)
	}
	candidate := &Listing{
		Seller:        caller,
		Title:         in.Title,
		Description:   in.Description,
		MediaRef:      in.MediaRef,
		Category:      in.Category,
		Price:         in.Price,
		DeliveryHours: in.DeliveryHours,
		Status:        StatusCreated,
	}
	sanitized, err := SanitizeListing(candidate)
	if err != nil {
		return nil, err
	}
	sanitized.ID = r.nextID
	sanitized.HighValue = sanitized.Price.Cmp(HighValueThreshold) >= 0
	sanitized.MetaHash = metaHash(sanitized.Title, sanitized.Description, sanitized.MediaRef)
	sanitized.CreatedAt = r.now()

	r.nextID++
	r.listings[sanitized.ID] = sanitized
	r.order = append(r.order, sanitized.ID)
	r.stats.TotalListings++
	r.persist(sanitized)

	r.emit(events.ListingCreated{
		ID:        sanitized.ID,
		Seller:    sanitized.Seller,
		Category:  sanitized.Category.String(),
		Price:     new(big.Int).Set(sanitized.Price),
		HighValue: sanitized.HighValue,
		MetaHash:  sanitized.MetaHash,
		CreatedAt: sanitized.CreatedAt,
	})
	return sanitized.Clone(), nil
}

// Get returns a copy of the listing or ErrNotFound.
func (r *Registry) Get(id uint64) (*Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	listing, ok := r.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return listing.Clone(), nil
}

// QuoteFee exposes the fee policy for external inspection. It is a pure
// function of its arguments and the current policy parameters.
func (r *Registry) QuoteFee(price *big.Int, category Category, highValue bool) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.feePolicy.Quote(price, category, highValue)
}

// IsExpired reports whether the listing is sold and past its delivery
// deadline.
func (r *Registry) IsExpired(id uint64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	listing, ok := r.listings[id]
	if !ok {
		return false, ErrNotFound
	}
	return listing.Status == StatusSold && r.now() > listing.Deadline, nil
}

// TimeRemaining reports the seconds until the delivery deadline, zero once
// elapsed. It is only meaningful for sold listings.
func (r *Registry) TimeRemaining(id uint64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	listing, ok := r.listings[id]
	if !ok {
		return 0, ErrNotFound
	}
	if listing.Status != StatusSold {
		return 0, fmt.Errorf("%w: listing is %s", ErrInvalidState, listing.Status)
	}
	remaining := listing.Deadline - r.now()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Stats returns a copy of the aggregate counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Stats{TotalListings: r.stats.TotalListings, TotalSales: r.stats.TotalSales}
	out.TotalVolume = cloneOrZero(r.stats.TotalVolume)
	out.TotalFees = cloneOrZero(r.stats.TotalFees)
	return out
}

// ListPage returns listings in creation order. The limit must be in
// (0, MaxPageLimit] and the offset must address an existing position.
func (r *Registry) ListPage(limit, offset int) ([]*Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > MaxPageLimit {
		return nil, fmt.Errorf("%w: limit must be in (0, %d]", ErrValidation, MaxPageLimit)
	}
	if offset < 0 || offset >= len(r.order) {
		return nil, fmt.Errorf("%w: offset %d out of range", ErrValidation, offset)
	}
	end := offset + limit
	if end > len(r.order) {
		end = len(r.order)
	}
	page := make([]*Listing, 0, end-offset)
	for _, id := range r.order[offset:end] {
		page = append(page, r.listings[id].Clone())
	}
	return page, nil
}

// ListFiltered scans listings in creation order, returning at most limit
// matches starting at the offset-th match. Every predicate query is bounded;
// there is deliberately no unbounded enumeration surface.
func (r *Registry) ListFiltered(f Filter, limit, offset int) ([]*Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > MaxPageLimit {
		return nil, fmt.Errorf("%w: limit must be in (0, %d]", ErrValidation, MaxPageLimit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrValidation)
	}
	matches := make([]*Listing, 0, limit)
	skipped := 0
	for _, id := range r.order {
		listing := r.listings[id]
		if !f.matches(listing) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		matches = append(matches, listing.Clone())
		if len(matches) == limit {
			break
		}
	}
	return matches, nil
}

func (f Filter) matches(l *Listing) bool {
	if f.Seller != nil && l.Seller != *f.Seller {
		return false
	}
	if f.Buyer != nil && (l.Status == StatusCreated || l.Buyer != *f.Buyer) {
		return false
	}
	if f.Category != nil && l.Category != *f.Category {
		return false
	}
	if f.Status != nil && l.Status != *f.Status {
		return false
	}
	if f.MinPrice != nil && l.Price.Cmp(f.MinPrice) < 0 {
		return false
	}
	if f.MaxPrice != nil && l.Price.Cmp(f.MaxPrice) > 0 {
		return false
	}
	return true
}

// Pause blocks createListing, buy and confirmDelivery. Emergency
// cancellation and buyer refunds stay available while paused.
func (r *Registry) Pause(caller [20]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	r.pauses.Pause(moduleName)
	return nil
}

// Unpause lifts an administrative pause.
func (r *Registry) Unpause(caller [20]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	r.pauses.Resume(moduleName)
	return nil
}

// Paused reports the pause flag.
func (r *Registry) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pauses.IsPaused(moduleName)
}

// SetPlatformFeeBps retunes the base fee within its hard ceiling. Only future
// purchases are affected.
func (r *Registry) SetPlatformFeeBps(caller [20]byte, bps uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	candidate := r.feePolicy
	candidate.PlatformBps = bps
	sanitized, err := candidate.Sanitize()
	if err != nil {
		return err
	}
	r.feePolicy = sanitized
	return nil
}

// SetFeeRecipient redirects future fee pulls. The zero address is rejected.
func (r *Registry) SetFeeRecipient(caller, recipient [20]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	if recipient == ([20]byte{}) {
		return fmt.Errorf("%w: fee recipient must not be zero", ErrValidation)
	}
	r.feeTo = recipient
	return nil
}

// FeeRecipient returns the account receiving platform fees.
func (r *Registry) FeeRecipient() [20]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.feeTo
}

// Admin returns the current administrator.
func (r *Registry) Admin() [20]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admin
}

// TransferAdmin hands the administrator role to a new principal.
func (r *Registry) TransferAdmin(caller, next [20]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	if next == ([20]byte{}) {
		return fmt.Errorf("%w: admin must not be zero", ErrValidation)
	}
	r.admin = next
	return nil
}

// SweepMisdirected drains value sent straight to the registry account back
// out to the given recipient. Escrow vault balances are never touched, which
// keeps the registry from acting as a general-purpose vault.
func (r *Registry) SweepMisdirected(caller, to [20]byte) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return nil, err
	}
	if to == ([20]byte{}) {
		return nil, fmt.Errorf("%w: sweep recipient must not be zero", ErrValidation)
	}
	balance := r.ledger.BalanceOf(RegistryAddress())
	if balance.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := r.ledger.Transfer(RegistryAddress(), to, balance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	return balance, nil
}

func (r *Registry) requireAdmin(caller [20]byte) error {
	if caller != r.admin {
		return fmt.Errorf("%w: administrator required", ErrUnauthorized)
	}
	return nil
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// persist snapshots the listing and id counter when a store is attached.
// Snapshots trail the in-memory commit; boot-time rehydration reads them
// back via LoadFromStore.
func (r *Registry) persist(l *Listing) {
	if r.store == nil || l == nil {
		return
	}
	blob, err := json.Marshal(l)
	if err != nil {
		return
	}
	_ = r.store.Put(listingKey(l.ID), blob)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.nextID)
	_ = r.store.Put(storeKeyNextID, buf[:])
	if stats, err := json.Marshal(r.stats); err == nil {
		_ = r.store.Put(storeKeyStats, stats)
	}
}

// LoadFromStore rehydrates listings and the id counter from an attached
// snapshot database. It must run before the registry serves traffic.
func (r *Registry) LoadFromStore() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		return nil
	}
	raw, err := r.store.Get(storeKeyNextID)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(raw) != 8 {
		return fmt.Errorf("%w: corrupt id counter snapshot", ErrValidation)
	}
	nextID := binary.BigEndian.Uint64(raw)
	listings := make(map[uint64]*Listing, nextID)
	order := make([]uint64, 0, nextID)
	for id := uint64(1); id < nextID; id++ {
		blob, err := r.store.Get(listingKey(id))
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		listing := new(Listing)
		if err := json.Unmarshal(blob, listing); err != nil {
			return fmt.Errorf("%w: corrupt listing snapshot %d: %v", ErrValidation, id, err)
		}
		listings[id] = listing
		order = append(order, id)
	}
	stats := Stats{TotalListings: uint64(len(order)), TotalVolume: big.NewInt(0), TotalFees: big.NewInt(0)}
	if blob, err := r.store.Get(storeKeyStats); err == nil {
		if err := json.Unmarshal(blob, &stats); err != nil {
			return fmt.Errorf("%w: corrupt stats snapshot: %v", ErrValidation, err)
		}
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}
	if stats.TotalVolume == nil {
		stats.TotalVolume = big.NewInt(0)
	}
	if stats.TotalFees == nil {
		stats.TotalFees = big.NewInt(0)
	}
	r.nextID = nextID
	r.listings = listings
	r.order = order
	r.stats = stats
	return nil
}

func listingKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append([]byte(storeKeyListing), buf[:]...)
}
