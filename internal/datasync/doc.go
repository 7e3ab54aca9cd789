// Package datasync keeps the shared dataset converged with its remote
// sibling. A single Scheduler loop periodically updates from the sibling,
// publishes local changes and then runs cache eviction, in that order. The
// Failsafe publisher retries individual publishes that failed inline.
package datasync
