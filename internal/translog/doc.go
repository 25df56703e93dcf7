// See translog.go for the Translog type and async_syncer.go for the
// coalescing sync processor it delegates async durability to.
package translog
