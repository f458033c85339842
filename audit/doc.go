// Package audit implements the tamper-evident audit log: per-organization
// hash chains over immutable events, write-once storage backends, Merkle
// trees with inclusion proofs, daily checkpoints with RFC 3161 timestamp
// hooks, and chain verification with tamper heuristics.
//
// 事件一旦落盘即不可变；每个组织的链由专属锁串行化，不同组织并发推进。
package audit
