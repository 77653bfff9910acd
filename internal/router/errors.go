package router

import "errors"

// ErrAllProvidersExhausted is returned by [Router.Route] when every provider
// in the fallback chain has been tried and none produced an accepted
// response.
var ErrAllProvidersExhausted = errors.New("router: all providers exhausted")

// ErrNoProviders is returned when the fallback chain for an analysis type is
// empty after filtering disabled providers.
var ErrNoProviders = errors.New("router: no providers available for analysis type")

// ErrUnknownProvider is returned by [Router.CallProvider] for a provider id
// that is not configured.
var ErrUnknownProvider = errors.New("router: unknown provider")

// ErrContextTooLarge is returned when the request does not fit any provider's
// context window.
var ErrContextTooLarge = errors.New("router: request exceeds every provider's context window")
