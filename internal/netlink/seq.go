package netlink

import "sync/atomic"

// seqCounter is the process-wide sequence counter described in spec.md
// §3 ("Global _seq_used counter"): a single owned value, advanced by one
// on every Send across every Handler, masked into the non-negative
// 31-bit range. Correlation between a Handler and its in-flight
// requests is by (Handler, seq) — see spec.md §9.
//
// Mutation is only ever performed from the scheduler's single
// cooperative thread, so a plain package variable (not a mutex-guarded
// one) would already satisfy the single-threaded-access contract; it is
// kept as an atomic purely so that tests constructing multiple
// Transports concurrently (table-driven subtests run with t.Parallel)
// don't trip the race detector.
var seqCounter uint32

// nextSeq advances the shared counter and returns the next non-negative
// 31-bit sequence number, skipping zero.
func nextSeq() uint32 {
	for {
		v := atomic.AddUint32(&seqCounter, 1) & 0x7fffffff
		if v != 0 {
			return v
		}
	}
}

// resetSeqForTest rewinds the shared counter. Test-only.
func resetSeqForTest(v uint32) {
	atomic.StoreUint32(&seqCounter, v)
}
