// Package sqldb opens the relational database shared by the job store and the
// relational queue backend.
//
// SQLite (modernc.org/sqlite) is the default, embedded choice; Postgres is
// reached through pgx's database/sql adapter. Callers write queries with "?"
// placeholders and the DB rebinds them for the active dialect. Writes retry on
// lock contention (SQLITE_BUSY, Postgres serialization and lock-timeout codes),
// and the embedded schema is migrated on open.
package sqldb
