// Package store holds the durable collaborators: whole-collection JSON
// stores for tasks, rules, and the daily quota, plus the sqlite-backed
// message-history audit trail.
package store
