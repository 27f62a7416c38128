// Package store persists pipelines, rules, promotions, rejection events and
// archived review feedback.
//
// Two backends implement the same method set:
//   - Memory: process-local, used by tests and ephemeral runs. One mutex
//     guards the whole store and a transaction holds it to the end.
//   - SQLite: durable, used by the daemon.
//
// Both satisfy pipeline.Store, pipeline.Transactor and rules.Store. Writes
// made through a context returned by InTx commit or roll back together.
package store
