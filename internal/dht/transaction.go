package dht

import (
	"crypto/rand"
	"sync"
	"time"
)

// QueryTimeout is how long an outgoing query waits for a response before
// the caller gives up on it.
const QueryTimeout = 5 * time.Second

// PendingQuery tracks an outgoing query awaiting a response.
type PendingQuery struct {
	TxID     string
	Method   string
	SentAt   time.Time
	Response chan *Message
}

// TransactionTable correlates outgoing queries with their responses by
// 2-byte transaction id, grounded on the teacher's dht/krpc.go
// TransactionManager but drawing each id at random rather than from a
// predictable counter, so an observer can't guess upcoming ids.
type TransactionTable struct {
	mu      sync.Mutex
	pending map[string]*PendingQuery
}

// NewTransactionTable creates an empty table.
func NewTransactionTable() *TransactionTable {
	return &TransactionTable{pending: make(map[string]*PendingQuery)}
}

// Add registers a new pending query for method, returning its transaction
// id and response channel. The id is drawn at random and redrawn on the
// (very unlikely) collision with an id still pending.
func (tt *TransactionTable) Add(method string) *PendingQuery {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	var txID string
	for {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			panic("dht: reading random transaction id: " + err.Error())
		}
		txID = string(b[:])
		if _, exists := tt.pending[txID]; !exists {
			break
		}
	}
	pq := &PendingQuery{
		TxID:     txID,
		Method:   method,
		SentAt:   time.Now(),
		Response: make(chan *Message, 1),
	}
	tt.pending[txID] = pq
	return pq
}

// Take removes and returns the pending query for txID, if any.
func (tt *TransactionTable) Take(txID string) *PendingQuery {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	pq, ok := tt.pending[txID]
	if !ok {
		return nil
	}
	delete(tt.pending, txID)
	return pq
}

// ExpireOlderThan removes and returns pending queries sent before the
// cutoff, closing their response channels so any waiter unblocks.
func (tt *TransactionTable) ExpireOlderThan(cutoff time.Time) []*PendingQuery {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	var expired []*PendingQuery
	for txID, pq := range tt.pending {
		if pq.SentAt.Before(cutoff) {
			expired = append(expired, pq)
			delete(tt.pending, txID)
			close(pq.Response)
		}
	}
	return expired
}

// Len reports the number of outstanding queries.
func (tt *TransactionTable) Len() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.pending)
}
