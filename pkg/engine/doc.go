/*
Package engine implements the assignment state machine.

A challenge moves queued → assigned on dispatch, assigned → waiting on a
completion report, and waiting → queued once its inter-transmission delay
elapses. Assignments carry a five-minute expiry; the maintenance sweeps
call back into the engine to reclaim expired or orphaned assignments.

Every transition executes inside a single store write transaction, so at
any committed snapshot a challenge has at most one owner and ownership,
status and expiry stay in step. Selection among eligible challenges orders
by priority descending, then oldest last transmission first (never
transmitted sorts ahead of everything), then a random perturbation.

Dispatch frequency is sampled per poll from the challenge's declared form
(fixed, named ranges, or manual range) and must fall inside a frequency
limit of an enabled device on the polling agent, unless the agent declares
no limits at all.
*/
package engine
