// Package consensus bridges an external BFT consensus engine
// and the shared relational log of blocks.
//
// The [Store] type is the single adapter behind the three contracts in
// [github.com/dutterbutter/zksync-era/cstore]:
// it persists finalized blocks and their quorum certificates,
// persists the local replica's voting state across restarts,
// and supplies and validates block payloads.
//
// The execution pipeline appends blocks to the same log asynchronously,
// so the store reconciles two independently-evolving timelines:
// consensus may request or certify a block before execution has sealed it,
// in which case the store waits at a bounded poll interval
// rather than failing.
package consensus
