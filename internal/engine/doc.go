// Package engine supervises pipeline executions. Each started execution gets
// a supervising goroutine that records its processes, launches the worker in
// its own process group, enforces the timeout and records the final status.
// Kill requests go through the store first so that a kill and a natural
// completion never both win.
package engine
