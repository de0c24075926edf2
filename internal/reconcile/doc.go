// Package reconcile merges raw source records for one (index, trading day,
// session) into a single canonical candidate.
//
// Reconciliation is a pure fold over the append-only raw records: the latest
// successful record per source is graded by the static source→grade mapping,
// the highest grade present wins, and a fixed per-index/session priority
// order breaks ties inside a grade. The result never downgrades an existing
// stored row; callers decide persistence.
package reconcile
