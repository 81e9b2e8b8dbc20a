// Package cache maintains the in-process ownership index: post number
// to owning thread, and thread to board tags. Sync requests are
// validated against it without touching the store.
package cache
