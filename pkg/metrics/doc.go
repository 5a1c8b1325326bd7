/*
Package metrics exposes Prometheus instrumentation for the controller.

Fleet gauges (agents by kind/status, challenges by status) are sampled
from the store every 15 seconds by the Collector; dispatch, transmission
and sweep metrics are incremented inline by their owning components.
Handler serves the standard promhttp endpoint.
*/
package metrics
