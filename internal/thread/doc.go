// Package thread holds the client-side model of a threaded discussion: the
// node store and its id index, the tree builder with its orphan buffer, the
// pagination controller, the depth guard and the optimistic mutation
// coordinator.
//
// Nothing in this package is safe for concurrent use. A thread's Store,
// Paginator and Coordinator are owned by a single goroutine (the thread
// actor) and every mutation flows through it.
package thread
