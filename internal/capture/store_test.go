package capture

import (
	"fmt"
	"testing"
)

func TestAddFlowAssignsIncreasingSequence(t *testing.T) {
	s := New()
	f1 := &Flow{ID: "a"}
	f2 := &Flow{ID: "b"}
	s.AddFlow(f1)
	s.AddFlow(f2)

	if f1.SequenceNumber == 0 || f2.SequenceNumber == 0 {
		t.Fatalf("expected non-zero sequence numbers, got %d and %d", f1.SequenceNumber, f2.SequenceNumber)
	}
	if f2.SequenceNumber <= f1.SequenceNumber {
		t.Fatalf("expected strictly increasing sequence numbers, got %d then %d", f1.SequenceNumber, f2.SequenceNumber)
	}
}

func TestUpdateFlowBumpsSequence(t *testing.T) {
	s := New()
	f := &Flow{ID: "a"}
	s.AddFlow(f)
	before := f.SequenceNumber

	ok := s.UpdateFlow("a", &Response{Status: 200}, nil)
	if !ok {
		t.Fatalf("expected UpdateFlow to find the record")
	}
	if f.SequenceNumber <= before {
		t.Fatalf("expected sequence to advance past %d, got %d", before, f.SequenceNumber)
	}
	if f.Response == nil || f.Response.Status != 200 {
		t.Fatalf("expected response to be attached, got %+v", f.Response)
	}
}

func TestFlowsSinceReturnsOnlyNewerRecords(t *testing.T) {
	s := New()
	f1 := &Flow{ID: "a"}
	f2 := &Flow{ID: "b"}
	s.AddFlow(f1)
	s.AddFlow(f2)

	maxSeq, flows := s.FlowsSince(f1.SequenceNumber)
	if len(flows) != 1 || flows[0].ID != "b" {
		t.Fatalf("expected only flow b, got %+v", flows)
	}
	if maxSeq != f2.SequenceNumber {
		t.Fatalf("expected maxSeq %d, got %d", f2.SequenceNumber, maxSeq)
	}
}

func TestFlowTableTrimsToNewestAtOverflow(t *testing.T) {
	s := New()
	overflowCount := int(float64(DefaultMaxRecords)*OverflowFactor) + 1
	for i := 0; i < overflowCount; i++ {
		s.AddFlow(&Flow{ID: fmt.Sprintf("flow-%d", i)})
	}

	if len(s.flows) > DefaultMaxRecords {
		t.Fatalf("expected trim to cap at %d, got %d", DefaultMaxRecords, len(s.flows))
	}

	// The most recently added flow must survive the trim.
	last := fmt.Sprintf("flow-%d", overflowCount-1)
	if _, ok := s.flowIdx[last]; !ok {
		t.Fatalf("expected most recent flow %s to survive trim", last)
	}
}

func TestDNSSinceDeltaFetch(t *testing.T) {
	s := New()
	q1 := &DNSQuery{Domain: "a.example.com"}
	q2 := &DNSQuery{Domain: "b.example.com"}
	s.RecordDNSQuery(q1)
	s.RecordDNSQuery(q2)

	maxSeq, queries := s.DNSSince(q1.SequenceNumber)
	if len(queries) != 1 || queries[0].Domain != "b.example.com" {
		t.Fatalf("expected only b.example.com, got %+v", queries)
	}
	if maxSeq != q2.SequenceNumber {
		t.Fatalf("expected maxSeq %d, got %d", q2.SequenceNumber, maxSeq)
	}
}

func TestNewWithLimitsTrimsToConfiguredCap(t *testing.T) {
	s := NewWithLimits(5, 5)
	for i := 0; i < 20; i++ {
		s.AddFlow(&Flow{ID: fmt.Sprintf("flow-%d", i)})
	}
	if len(s.flows) > 5 {
		t.Fatalf("expected trim to cap at 5, got %d", len(s.flows))
	}

	for i := 0; i < 20; i++ {
		s.RecordDNSQuery(&DNSQuery{Domain: fmt.Sprintf("d%d.example.com", i)})
	}
	if len(s.dns) > 5 {
		t.Fatalf("expected DNS trim to cap at 5, got %d", len(s.dns))
	}
}

func TestNewWithLimitsFallsBackToDefaultOnNonPositive(t *testing.T) {
	s := NewWithLimits(0, -1)
	if s.maxFlows != DefaultMaxRecords || s.maxDNS != DefaultMaxRecords {
		t.Fatalf("expected non-positive limits to fall back to default, got maxFlows=%d maxDNS=%d", s.maxFlows, s.maxDNS)
	}
}

func TestCompleteFlowSetsEndTimestampAndCounts(t *testing.T) {
	s := New()
	f := &Flow{ID: "a"}
	s.AddFlow(f)

	ok := s.CompleteFlow("a", 10, 20, "")
	if !ok {
		t.Fatalf("expected CompleteFlow to find the record")
	}
	if f.EndTS == nil {
		t.Fatalf("expected EndTS to be set")
	}
	if f.BytesIn != 10 || f.BytesOut != 20 {
		t.Fatalf("expected byte counts to be set, got in=%d out=%d", f.BytesIn, f.BytesOut)
	}
}
