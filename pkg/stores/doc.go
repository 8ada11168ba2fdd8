// Package stores persists policy run history in SQLite. Every finished
// execution result is stored as a run row with its full result document and
// one row per action outcome, so past runs can be listed, inspected and
// queried by resource.
package stores
