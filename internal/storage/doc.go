// Package storage persists cruise state and status reports.
//
// It currently supports:
//   - memory: the reference backend
//   - file: memory tables with a JSON snapshot and a status journal on disk
//   - sqlite: one transaction per mutation
//   - etcd: optimistic compare-and-swap on each cruise key
package storage
