// Package storage persists monitored sites, user profiles, learned
// preferences, notification history and feedback. The default backend is a
// single SQLite database file; an in-memory backend exists for tests.
package storage
