// Package gateway assembles the HTTP front of the gateway: the gin
// engine, its middleware chain, the introspection endpoints and the
// catch-all proxy.
package gateway
