// Package alert holds lifeline's domain model: severity tiers and their
// per-tier behavior table, classified events, alert records and the
// repository that persists them.
package alert
