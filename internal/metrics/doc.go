// Package metrics registers the gateway's Prometheus collectors.
//
// Collectors are package-level and registered with the default registry on
// import. The gateway serves them on metrics.path when metrics are enabled.
package metrics
