// Package gateway serves a model.Client behind a caller-supplied RPC layer.
// Server wraps a provider adapter with composable unary and streaming
// middleware chains; RemoteClient reconstructs a model.Client on the far
// side from plain functions, keeping both halves agnostic of the concrete
// transport. Pair it with features/model/middleware to centralize rate
// limiting for a fleet of agent processes sharing one provider budget.
package gateway
