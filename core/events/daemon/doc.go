// Package daemon runs asynchronous projections and subscriptions.
//
// A [Daemon] owns one [ShardAgent] per projection shard. The
// [HighWaterAgent] polls the event store for the highest sequence that is
// safe to read and publishes it through the [ShardStateTracker]. Each agent
// reacts by loading the next pages of events and handing them, as
// [EventRange] values, to its [SubscriptionExecution]. Executions process
// ranges strictly one at a time and in order; different shards run in
// parallel.
//
// A range covers the sequences floor < s <= ceiling. The progress recorded
// for a shard is the ceiling of the last range it committed.
package daemon
