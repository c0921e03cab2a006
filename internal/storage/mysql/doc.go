// Package mysql persists dispatch records: one row per chat turn, keyed by the
// id the client uses as its message id. Records that carry an unsigned
// transaction later receive exactly one terminal outcome. A JSON-lines file
// repository serves local development; the MySQL repository runs embedded
// goose migrations on start.
package mysql
