/*
Package server hosts the HTTP router and its middleware chain.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware keeps a well-formed inbound X-Request-ID or generates a
UUID, and adds it to:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

The same id is the correlation id sent upstream and the request_id carried
by terminal stream events.

## Logging (logging.go)

LoggingMiddleware provides structured request logging using slog:
  - Logs request start (method, path, remote_addr)
  - Logs request completion (status, bytes, duration), at ERROR for 5xx
  - Supports custom log fields via AddLogField/AddError

The wrapped ResponseWriter forwards Flush, so SSE handlers behind it still
stream.

## Identity (authmiddleware.go)

IdentityMiddleware establishes the caller:
  - A valid bearer token yields the token's user and tenant
  - A malformed or invalid token is rejected with 401
  - No token yields an anonymous identity keyed by X-Anonymous-ID or client
    IP, unless authentication is required

## Timeout (timeout.go)

TimeoutMiddleware puts a deadline on the request context. Handlers check
context.Done() for cooperative cancellation.

# Middleware Chain Order

 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. Recoverer (panics become 500s that are still logged)
 4. IdentityMiddleware
 5. TimeoutMiddleware
 6. OTel instrumentation

# Example Usage

	srv := server.New(server.Options{Port: 8080, Logger: logger, Verifier: verifier})
	handler.Register(srv.Router)
	go srv.Start()
	defer srv.Shutdown(ctx)
*/
package server
