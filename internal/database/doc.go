// Package database provides connection pool management for PostgreSQL.
//
// All durable state lives in one database: raw fetch records, intraday
// bars, the canonical quote history and live snapshots. The conditional
// upsert on the history table is the only cross-process synchronization
// point, so no additional coordination service is needed.
package database
