// Package server hosts the Fiber HTTP service and the middleware chain that
// wires request IDs and panic recovery in front of the interceptor. It also
// owns the shared upstream http.Client and the hop-by-hop header rules every
// relay path relies on. Diagnostics live under the /-/ prefix; everything else
// is handed to the injected interceptor, so keep exports narrow and accept
// explicit dependencies.
package server
