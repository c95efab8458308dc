package capture

import (
	"sync"
	"time"
)

// DefaultMaxRecords is the cap each table falls back to when New is
// called without explicit limits (e.g. in tests). Each table is
// trimmed to its newest maxFlows/maxDNS entries once it exceeds
// OverflowFactor*limit, an amortised-eviction policy: a size-based
// slice trim since there is no disk table to vacuum.
const DefaultMaxRecords = 10000

// OverflowFactor is how far past a table's limit it is allowed to grow
// before a trim runs, amortising the cost of the trim itself.
const OverflowFactor = 1.10

// Store is the in-memory capture record table. One mutex guards both
// record slices and the shared sequence counter so every mutation bumps
// the sequence number under the same lock that applies it.
type Store struct {
	mu sync.Mutex

	seq uint64

	maxFlows int
	maxDNS   int

	flows   []*Flow
	flowIdx map[string]int // Flow.ID -> index into flows

	dns []*DNSQuery
}

// New creates an empty capture store with the default record caps.
func New() *Store {
	return NewWithLimits(DefaultMaxRecords, DefaultMaxRecords)
}

// NewWithLimits creates an empty capture store whose flow and DNS
// tables are trimmed to maxFlows and maxDNS entries respectively,
// wiring in config.MemoryConfig's max_flows/max_dns_queries. A
// non-positive limit falls back to DefaultMaxRecords.
func NewWithLimits(maxFlows, maxDNS int) *Store {
	if maxFlows <= 0 {
		maxFlows = DefaultMaxRecords
	}
	if maxDNS <= 0 {
		maxDNS = DefaultMaxRecords
	}
	return &Store{flowIdx: make(map[string]int), maxFlows: maxFlows, maxDNS: maxDNS}
}

func (s *Store) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

// AddFlow inserts a new flow record, assigning it the next sequence
// number. The caller must have already populated ID.
func (s *Store) AddFlow(f *Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.SequenceNumber = s.nextSeqLocked()
	s.flows = append(s.flows, f)
	s.flowIdx[f.ID] = len(s.flows) - 1
	s.trimFlowsLocked()
}

// UpdateFlow attaches a response (and, when known, the final request
// body size) to an existing flow record, bumping its sequence number.
func (s *Store) UpdateFlow(id string, resp *Response, requestBodySize *int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.flowIdx[id]
	if !ok {
		return false
	}
	f := s.flows[i]
	f.Response = resp
	if requestBodySize != nil && f.Request != nil {
		f.Request.BodySize = *requestBodySize
	}
	f.SequenceNumber = s.nextSeqLocked()
	return true
}

// CompleteFlow marks a flow finished: final byte counts, optional
// error, and an end timestamp, bumping its sequence number.
func (s *Store) CompleteFlow(id string, bytesIn, bytesOut int64, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.flowIdx[id]
	if !ok {
		return false
	}
	f := s.flows[i]
	f.BytesIn = bytesIn
	f.BytesOut = bytesOut
	f.Error = errMsg
	t := time.Now()
	f.EndTS = &t
	f.SequenceNumber = s.nextSeqLocked()
	return true
}

// GetFlow returns the current snapshot of a flow record by ID.
func (s *Store) GetFlow(id string) (*Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.flowIdx[id]
	if !ok {
		return nil, false
	}
	return s.flows[i], true
}

// FlowsSince implements the delta-fetch contract: it returns the
// current maximum sequence number and every flow whose sequence number
// exceeds since.
func (s *Store) FlowsSince(since uint64) (maxSeq uint64, flows []*Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Flow, 0)
	for _, f := range s.flows {
		if f.SequenceNumber > since {
			out = append(out, f)
		}
	}
	return s.seq, out
}

// RecordDNSQuery appends a DNS record, assigning it the next sequence
// number.
func (s *Store) RecordDNSQuery(q *DNSQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q.SequenceNumber = s.nextSeqLocked()
	s.dns = append(s.dns, q)
	s.trimDNSLocked()
}

// DNSSince is the DNS-table counterpart of FlowsSince.
func (s *Store) DNSSince(since uint64) (maxSeq uint64, queries []*DNSQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*DNSQuery, 0)
	for _, q := range s.dns {
		if q.SequenceNumber > since {
			out = append(out, q)
		}
	}
	return s.seq, out
}

// trimFlowsLocked drops the oldest flows once the table exceeds
// OverflowFactor*maxFlows, keeping the newest maxFlows. Must be called
// with s.mu held.
func (s *Store) trimFlowsLocked() {
	if float64(len(s.flows)) <= float64(s.maxFlows)*OverflowFactor {
		return
	}
	drop := len(s.flows) - s.maxFlows
	s.flows = s.flows[drop:]
	s.flowIdx = make(map[string]int, len(s.flows))
	for i, f := range s.flows {
		s.flowIdx[f.ID] = i
	}
}

// trimDNSLocked is the DNS-table counterpart of trimFlowsLocked.
func (s *Store) trimDNSLocked() {
	if float64(len(s.dns)) <= float64(s.maxDNS)*OverflowFactor {
		return
	}
	drop := len(s.dns) - s.maxDNS
	s.dns = s.dns[drop:]
}
