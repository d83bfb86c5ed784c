package netlink

// FlushForTest synchronously drains h's outbound buffer exactly as a
// writable wake would. Packages built on Transport (rtnetlink, gnl)
// use it together with a fake Socket (via DialFunc) to exercise their
// request/reply state machines without a real kernel poller.
func (h *Handler) FlushForTest() { h.flush() }

// DeliverForTest feeds whatever is queued on h's Socket through the
// receive path exactly as a readable wake would.
func (h *Handler) DeliverForTest() { h.receiveLoop() }
