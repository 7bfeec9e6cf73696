/*
Package metrics provides Prometheus metrics and health reporting for the
queue server.

Metrics are registered with the default Prometheus registry at package init
and exposed over HTTP for scraping. Counters follow the manager's event
stream (plans started, items processed by exit status, environment
failures); gauges (queue size, history size, manager state) are refreshed
from the status document by the Collector.

The package also serves a JSON health document aggregating per-component
health, useful as a liveness endpoint for process supervisors.
*/
package metrics
