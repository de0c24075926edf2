// Package model defines shared data types used across the turnover
// reconciliation service.
//
// Conventions:
//   - Prices and change figures: integer hundredths of an index point (×100)
//   - Turnover: int64 in the smallest unit of the reporting currency
//   - Trading days: civil dates in the "2006-01-02" layout (TradeDate)
//   - Payloads: raw JSON captured from the winning source, kept for audit
package model
