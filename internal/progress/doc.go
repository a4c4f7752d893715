// Package progress fans job snapshots out to live subscribers and batches
// them to pluggable sinks. Publish never blocks: slow subscribers lose their
// oldest pending snapshot, and a full sink buffer drops the newest.
package progress
