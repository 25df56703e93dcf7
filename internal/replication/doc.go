// See replication.go for the Coordinator type and the primary/replica
// write pipelines it drives on top of internal/shard.
package replication
