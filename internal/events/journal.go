// Package events records the bank's emitted records.
//
// The Journal is a bounded ring buffer with synchronous subscribers. Every
// record gets a process-unique sequence number so downstream sinks can resume
// from the last record they stored.
package events

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
)

// Type names an emitted record.
type Type string

const (
	TypeDeposited               Type = "Deposited"
	TypeDepositedWithConversion Type = "DepositedWithConversion"
	TypeWithdrawn               Type = "Withdrawn"
	TypeAssetRegistered         Type = "AssetRegistered"
	TypeAssetDeregistered       Type = "AssetDeregistered"
	TypeTreasuryWithdrawal      Type = "TreasuryWithdrawal"
	TypeEmergencyRecovery       Type = "EmergencyRecovery"
	TypePaused                  Type = "Paused"
	TypeUnpaused                Type = "Unpaused"
	TypeRoleGranted             Type = "RoleGranted"
	TypeRoleRevoked             Type = "RoleRevoked"
	TypeRoleRenounced           Type = "RoleRenounced"
	TypeSuperAdminNominated     Type = "SuperAdminNominated"
	TypeSuperAdminAccepted      Type = "SuperAdminAccepted"
)

// Record is one emitted record. Which fields are meaningful depends on Type;
// see Fields.
type Record struct {
	ID        string
	Sequence  uint64
	Type      Type
	Timestamp time.Time
	RequestID string

	Caller      util.Uint160
	Account     util.Uint160
	Asset       util.Uint160
	AssetIn     util.Uint160
	Recipient   util.Uint160
	Principal   util.Uint160
	Role        custody.Role
	Amount      *big.Int
	AmountIn    *big.Int
	Value       *big.Int
	PriceSource string
	Decimals    uint8
}

// Fields renders the record's meaningful attributes as strings.
func (r Record) Fields() map[string]string {
	f := make(map[string]string)
	amount := func(key string, v *big.Int) {
		if v != nil {
			f[key] = v.String()
		}
	}
	switch r.Type {
	case TypeDeposited, TypeWithdrawn:
		f["account"] = custody.FormatAccount(r.Account)
		f["asset"] = custody.FormatAsset(r.Asset)
		amount("amount", r.Amount)
		amount("value", r.Value)
	case TypeDepositedWithConversion:
		f["account"] = custody.FormatAccount(r.Account)
		f["asset_in"] = custody.FormatAsset(r.AssetIn)
		f["asset"] = custody.FormatAsset(r.Asset)
		amount("amount_in", r.AmountIn)
		amount("amount", r.Amount)
		amount("value", r.Value)
	case TypeAssetRegistered:
		f["caller"] = custody.FormatAccount(r.Caller)
		f["asset"] = custody.FormatAsset(r.Asset)
		f["price_source"] = r.PriceSource
		f["decimals"] = big.NewInt(int64(r.Decimals)).String()
	case TypeAssetDeregistered:
		f["caller"] = custody.FormatAccount(r.Caller)
		f["asset"] = custody.FormatAsset(r.Asset)
	case TypeTreasuryWithdrawal, TypeEmergencyRecovery:
		f["caller"] = custody.FormatAccount(r.Caller)
		f["asset"] = custody.FormatAsset(r.Asset)
		f["recipient"] = custody.FormatAccount(r.Recipient)
		amount("amount", r.Amount)
	case TypePaused, TypeUnpaused:
		f["caller"] = custody.FormatAccount(r.Caller)
	case TypeRoleGranted, TypeRoleRevoked, TypeRoleRenounced:
		f["caller"] = custody.FormatAccount(r.Caller)
		f["role"] = string(r.Role)
		f["principal"] = custody.FormatAccount(r.Principal)
	case TypeSuperAdminNominated, TypeSuperAdminAccepted:
		f["caller"] = custody.FormatAccount(r.Caller)
		f["principal"] = custody.FormatAccount(r.Principal)
	}
	return f
}

// Handler processes records as they are logged.
type Handler func(Record)

// Filter decides whether a handler sees a record.
type Filter func(Record) bool

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// Journal is a thread-safe ring buffer of records.
type Journal struct {
	mu       sync.RWMutex
	records  []Record
	size     int
	head     int
	count    int
	seq      uint64
	handlers []handlerEntry
	nextID   int64
	now      func() time.Time
}

// NewJournal creates a journal holding up to size records.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = 1000
	}
	return &Journal{
		records: make([]Record, size),
		size:    size,
		now:     time.Now,
	}
}

// Log assigns an ID, sequence and timestamp to rec, stores it and notifies
// handlers. It returns the stored record.
func (j *Journal) Log(rec Record) Record {
	j.mu.Lock()
	j.seq++
	rec.Sequence = j.seq
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = j.now().UTC()
	}

	j.records[j.head] = rec
	j.head = (j.head + 1) % j.size
	if j.count < j.size {
		j.count++
	}

	handlers := make([]handlerEntry, len(j.handlers))
	copy(handlers, j.handlers)
	j.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(rec) {
			h.handler(rec)
		}
	}
	return rec
}

// LogWithContext copies the request ID from ctx onto rec before logging.
func (j *Journal) LogWithContext(ctx context.Context, rec Record) Record {
	if id := RequestID(ctx); id != "" {
		rec.RequestID = id
	}
	return j.Log(rec)
}

// Subscribe registers a handler for all records.
func (j *Journal) Subscribe(handler Handler) func() {
	return j.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter. The returned function
// unsubscribes.
func (j *Journal) SubscribeFiltered(filter Filter, handler Handler) func() {
	j.mu.Lock()
	id := j.nextID
	j.nextID++
	j.handlers = append(j.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	j.mu.Unlock()

	return func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		for i, h := range j.handlers {
			if h.id == id {
				j.handlers = append(j.handlers[:i], j.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n records, newest first.
func (j *Journal) Recent(n int) []Record {
	return j.recent(n, nil)
}

// RecentByType returns up to n records of type t, newest first.
func (j *Journal) RecentByType(t Type, n int) []Record {
	return j.recent(n, func(r Record) bool { return r.Type == t })
}

func (j *Journal) recent(n int, keep Filter) []Record {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if n <= 0 || j.count == 0 {
		return nil
	}
	var out []Record
	for i := 0; i < j.count && len(out) < n; i++ {
		rec := j.records[(j.head-1-i+j.size)%j.size]
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Since returns up to limit records with sequence greater than after, oldest
// first. The bool is false when records after `after` were already evicted.
func (j *Journal) Since(after uint64, limit int) ([]Record, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.count == 0 || after >= j.seq {
		return nil, true
	}
	oldest := j.seq - uint64(j.count) + 1
	complete := after+1 >= oldest
	start := after + 1
	if start < oldest {
		start = oldest
	}

	var out []Record
	for s := start; s <= j.seq && (limit <= 0 || len(out) < limit); s++ {
		back := int(j.seq - s)
		out = append(out, j.records[(j.head-1-back+j.size)%j.size])
	}
	return out, complete
}

// LastSequence returns the sequence of the newest record.
func (j *Journal) LastSequence() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.seq
}

// Resume continues numbering after seq. Used after a restart so sequences
// stay unique across process lifetimes.
func (j *Journal) Resume(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.seq {
		j.seq = seq
		j.count = 0
		j.head = 0
	}
}

// Count returns the number of buffered records.
func (j *Journal) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.count
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches a request ID to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID carried by ctx.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
