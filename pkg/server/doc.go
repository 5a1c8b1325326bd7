/*
Package server is the HTTP request surface. It unwraps the envelope,
applies authentication and rate-limiting middleware, invokes a
procedure on the store or engine, and renders the result. No business
logic lives here.

Three credential shapes gate the route tree: operator session cookies
with CSRF double cookies, agent bearer tokens with host binding, and
provisioning bearer tokens restricted to the provision endpoint.
*/
package server
