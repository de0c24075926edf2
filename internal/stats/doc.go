// Package stats derives comparative statistics from the canonical quote
// history and the live snapshot: trailing-window turnover averages,
// all-time peaks, and today's percentile rank within the recent
// distribution.
//
// Upstream data gaps never surface as errors here. Short histories produce
// partial results with explicit flags, and an empty distribution yields an
// undefined percentile rather than zero.
package stats
