// Package source defines the contract upstream market-data fetchers
// implement. A source returns one raw quote record per fetch attempt;
// the coordinator decides what to do with it.
package source
