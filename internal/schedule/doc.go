// Package schedule provides Schedule, a thread-safe container of values kept
// sorted by the time at which they become due.
//
// Entries with equal due times keep their insertion order. A consumer can poll
// (PopIfDue, PopIf) or park in PopBlocking until the earliest entry is due; a
// Push of an earlier entry re-arms a parked consumer.
package schedule
