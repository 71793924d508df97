// Package storage is the unit of work projections write into.
//
// A [Batch] stages document writes and shard progress and commits them
// together through a [Transactor]. Document stores stage their writes as
// closures; a transactional backend passes its transaction through the
// context given to those closures.
package storage
