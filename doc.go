// Package oauth provides an embeddable OAuth 2.0 authorization server: client
// registration and authentication, the authorization-code flow with PKCE
// (RFC 7636), token exchange with refresh token rotation, RFC 7009 token
// revocation, and bearer token validation middleware for resource servers.
//
// The root package is a thin HTTP adapter over the server package, which
// holds the protocol logic, and the storage package, which defines the
// persistence contract (with in-memory and Valkey implementations provided).
//
// Minimal wiring:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, &server.Config{Issuer: "https://auth.example.com"}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	handler := oauth.NewHandler(srv, authenticator, logger)
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
//
// The authenticator is the application's bridge to its own login and consent
// flow: the server never authenticates resource owners itself, it only
// receives the resulting user identity.
package oauth
