package store

import (
	"context"
	"sync"
	"time"

	"github.com/obscuranet/mixcore/internal/mixerr"
	"github.com/obscuranet/mixcore/internal/mixtypes"
)

// MemoryStore is an in-process Store backed by maps under a single mutex,
// used by unit tests and local development in place of PostgresStore.
type MemoryStore struct {
	mu             sync.Mutex
	byID           map[string]*mixtypes.MixRequest
	bySessionToken map[string]string // session_token -> id
	byDepositAddr  map[string]string // currency|address -> id
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:           make(map[string]*mixtypes.MixRequest),
		bySessionToken: make(map[string]string),
		byDepositAddr:  make(map[string]string),
	}
}

func depositKey(currency, address string) string { return currency + "|" + address }

func cloneRequest(req *mixtypes.MixRequest) *mixtypes.MixRequest {
	cp := *req
	cp.Outputs = append([]mixtypes.Output(nil), req.Outputs...)
	return &cp
}

// CreateMixRequest implements Store.
func (s *MemoryStore) CreateMixRequest(_ context.Context, req *mixtypes.MixRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[req.ID]; exists {
		return mixerr.New(mixerr.KindConflict, "store.create_mix_request", "id already exists")
	}
	if _, exists := s.bySessionToken[req.SessionToken]; exists {
		return mixerr.New(mixerr.KindConflict, "store.create_mix_request", "session token already exists")
	}
	key := depositKey(string(req.Currency), req.DepositAddress)
	if _, exists := s.byDepositAddr[key]; exists {
		return mixerr.New(mixerr.KindConflict, "store.create_mix_request", "deposit address already in use")
	}

	stored := cloneRequest(req)
	s.byID[req.ID] = stored
	s.bySessionToken[req.SessionToken] = req.ID
	s.byDepositAddr[key] = req.ID
	return nil
}

// UpdateMixRequest implements Store.
func (s *MemoryStore) UpdateMixRequest(_ context.Context, req *mixtypes.MixRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[req.ID]; !exists {
		return mixerr.New(mixerr.KindNotFound, "store.update_mix_request", "unknown mix request "+req.ID)
	}
	s.byID[req.ID] = cloneRequest(req)
	return nil
}

// GetMixRequest implements Store.
func (s *MemoryStore) GetMixRequest(_ context.Context, id string) (*mixtypes.MixRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.byID[id]
	if !ok {
		return nil, mixerr.New(mixerr.KindNotFound, "store.get_mix_request", "unknown mix request "+id)
	}
	return cloneRequest(req), nil
}

// GetMixRequestBySessionToken implements Store.
func (s *MemoryStore) GetMixRequestBySessionToken(_ context.Context, token string) (*mixtypes.MixRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.bySessionToken[token]
	if !ok {
		return nil, mixerr.New(mixerr.KindNotFound, "store.get_mix_request_by_session_token", "unknown session")
	}
	return cloneRequest(s.byID[id]), nil
}

// DepositAddressTaken implements Store.
func (s *MemoryStore) DepositAddressTaken(_ context.Context, currency string, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.byDepositAddr[depositKey(currency, address)]
	return exists, nil
}

// ListNonTerminalMixRequests implements Store.
func (s *MemoryStore) ListNonTerminalMixRequests(_ context.Context) ([]*mixtypes.MixRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*mixtypes.MixRequest
	for _, req := range s.byID {
		if !req.Status.Terminal() {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

// ListExpirable implements Store.
func (s *MemoryStore) ListExpirable(_ context.Context, before time.Time) ([]*mixtypes.MixRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*mixtypes.MixRequest
	for _, req := range s.byID {
		if !req.Status.Terminal() && req.ExpiresAt.Before(before) {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}
