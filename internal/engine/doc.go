// See engine.go for the SegmentEngine interface and data model, and
// mem_engine.go for the in-memory reference implementation.
package engine
