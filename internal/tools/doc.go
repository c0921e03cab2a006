// Package tools contains the closed set of capabilities the language model may
// invoke. A Catalog is built per request around a Runtime that binds the
// user's account and chain access; tools never keep state between calls.
package tools
