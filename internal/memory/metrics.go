package memory

import "sync/atomic"

// Metrics captures lightweight runtime counters.
type Metrics struct {
	stored            atomic.Int64
	searches          atomic.Int64
	vectorSearches    atomic.Int64
	keywordFallbacks  atomic.Int64
	providerFailures  atomic.Int64
	reinforced        atomic.Int64
	decayed           atomic.Int64
	expired           atomic.Int64
	pruned            atomic.Int64
	compactions       atomic.Int64
	compactionsAbort  atomic.Int64
	consistencyRepair atomic.Int64
	eventsDropped     atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Stored             int64 `json:"stored"`
	Searches           int64 `json:"searches"`
	VectorSearches     int64 `json:"vector_searches"`
	KeywordFallbacks   int64 `json:"keyword_fallbacks"`
	ProviderFailures   int64 `json:"provider_failures"`
	Reinforced         int64 `json:"reinforced"`
	Decayed            int64 `json:"decayed"`
	Expired            int64 `json:"expired"`
	Pruned             int64 `json:"pruned"`
	Compactions        int64 `json:"compactions"`
	CompactionsAborted int64 `json:"compactions_aborted"`
	ConsistencyRepairs int64 `json:"consistency_repairs"`
	EventsDropped      int64 `json:"events_dropped"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Stored:             m.stored.Load(),
		Searches:           m.searches.Load(),
		VectorSearches:     m.vectorSearches.Load(),
		KeywordFallbacks:   m.keywordFallbacks.Load(),
		ProviderFailures:   m.providerFailures.Load(),
		Reinforced:         m.reinforced.Load(),
		Decayed:            m.decayed.Load(),
		Expired:            m.expired.Load(),
		Pruned:             m.pruned.Load(),
		Compactions:        m.compactions.Load(),
		CompactionsAborted: m.compactionsAbort.Load(),
		ConsistencyRepairs: m.consistencyRepair.Load(),
		EventsDropped:      m.eventsDropped.Load(),
	}
}
