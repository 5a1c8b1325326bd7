// Package recording decides which dispatched transmissions are worth
// capturing and drives the receiver-side workflow. Challenges earn a
// priority score from transmissions and elapsed time since their last
// capture; above the threshold the first available receiver gets a
// pushed assignment.
package recording
