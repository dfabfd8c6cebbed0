// Package ssl drives TLS connections through a handle-owning, retry-signal
// API modeled on OpenSSL's SSL_CTX and SSL objects.
//
// A Context holds configuration shared by connections:
//
//   - Protocol version bounds, OpenSSL style cipher lists and TLS 1.3 suites
//   - Certificate, chain and private key, checked for consistency when bound
//   - Peer verification mode, depth, trust store and verify callback
//   - ALPN protocols and server side selection
//   - OCSP stapling, key logging and server name callbacks
//   - Client session caches (in-process LRU or Redis) and server tickets
//
// A context freezes when the first Connection is created from it. Later
// changes apply to connections created afterwards; security relevant changes
// are logged or refused depending on the MutationPolicy.
//
// # Connections
//
// A Connection runs over a MemoryTransport, which the application pumps
// with BIOWrite and BIORead, or over a SocketTransport wrapping a net.Conn.
// Handshake, RecvInto and Shutdown return retry signals (sslerr.ErrWantRead,
// sslerr.ErrWantWrite, sslerr.ErrWantX509Lookup) when they cannot progress;
// the caller supplies transport data and calls again:
//
//	for {
//	    err := conn.Handshake()
//	    if err == nil {
//	        break
//	    }
//	    if !errors.Is(err, sslerr.ErrWantRead) {
//	        return err
//	    }
//	    pump(conn, peer)
//	}
//
// # Callbacks
//
// Callbacks run while the caller is blocked inside a facade call. An error
// returned or a panic raised by a callback aborts the engine operation and
// is handed back to the caller unchanged once the operation returns. Key log
// callbacks are the exception: their failures are logged and ignored.
// Connection operations that drive the engine cannot be called from a
// callback; accessors can.
//
// # Metrics
//
// Metrics records handshakes, verification results, callback failures and
// context mutations after freeze in Prometheus.
package ssl
