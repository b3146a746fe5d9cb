// Package mongostore persists webhook configurations, events, and delivery
// attempts in MongoDB. It implements webhook.Store on top of three
// collections and relies on conditional FindOneAndUpdate for the atomic
// event claim that keeps concurrent processors from double-delivering.
package mongostore
