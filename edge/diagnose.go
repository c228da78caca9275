package edge

// DiagnosticInformation reports analyzer statistics accumulated since the
// analyzer was created.
type DiagnosticInformation struct {
	// CFGSize is the number of memoized basic blocks
	CFGSize int
	// CacheEntries is the number of resident trace-cache fingerprints
	CacheEntries int
	// CacheHits counts replayed segments
	CacheHits uint64
	// CacheMisses counts safe points that found no matching segment
	CacheMisses uint64
	// TNTConsumed counts consumed Taken/Not-taken bits
	TNTConsumed uint64
	// CondBranches counts reconstructed conditional branches. Always
	// equal to TNTConsumed; both are reported so callers can assert it.
	CondBranches uint64
	// LeftoverTNTBits is the number of delivered but unconsumed TNT bits
	// at the time of the call. Non-zero at a trace end means the trace
	// stopped mid-walk.
	LeftoverTNTBits int
}

// Diagnose returns current analyzer statistics.
func (a *Analyzer) Diagnose() DiagnosticInformation {
	d := DiagnosticInformation{
		CFGSize:         len(a.cfg),
		CacheHits:       a.cacheHits,
		CacheMisses:     a.cacheMisses,
		TNTConsumed:     a.tntConsumed,
		CondBranches:    a.condBranches,
		LeftoverTNTBits: a.tnt.len(),
	}
	if a.cache != nil {
		d.CacheEntries = a.cache.len()
	}
	return d
}
