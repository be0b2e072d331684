// Package reflex is the two-layer rule engine: declarative trigger
// conditions matched against bus events, layer-0 behaviors executed
// immediately, layer-1 matches escalated to a per-owner acknowledgment
// queue, and every decision recorded in an append-only execution ledger.
package reflex
