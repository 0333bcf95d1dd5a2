// Package blockstore implements a local, crash-consistent block storage
// engine. It manages variable-sized versioned objects on top of raw block
// devices split into three regions (data, metadata and journal), and is
// meant to sit underneath a distributed object service that handles
// replication, erasure coding and placement.
//
// Objects are addressed by a 128-bit identifier (inode, stripe) and carry a
// monotonically increasing version. Every mutation is first journaled, then
// eventually merged ("flushed") into a stable metadata index. The write path
// acknowledges once the write has reached stable storage location (journal or
// data region); a separate Sync call is required for durability, and a
// Stabilize call marks a synced version final so the flusher may promote it.
package blockstore
