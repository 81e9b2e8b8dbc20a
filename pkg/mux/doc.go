// Package mux multiplexes broker subscriptions across sessions. Many
// clients watching the same thread share one upstream subscription,
// keyed by target plus privilege channel so moderators' overlay data
// never rides a public key. Subscriptions linger briefly after their
// last listener leaves; page-flip churn should not cost a resubscribe.
package mux
