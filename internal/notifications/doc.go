// Package notifications posts run reports to an ntfy topic.
//
// A run announces itself when it starts and reports its node counts, failures
// and duration when it finishes or aborts. With no topic configured NewService
// returns a no-op, so callers never branch on whether notifications are on.
package notifications
