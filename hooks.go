package lflist

// Test hooks (kept separate so instrumentation doesn't clutter logic).
var (
	acquireNodeHook func(node any)
	retireNodeHook  func(node any)
	freeNodeHook    func(node any)
	snipRunHook     func(count int)
)
