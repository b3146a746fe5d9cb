// Package pgstore persists webhook configurations, events, and delivery
// attempts in PostgreSQL via pgx. Schema migrations are embedded and applied
// with goose. The atomic event claim uses a conditional UPDATE so concurrent
// processors never double-deliver.
package pgstore
