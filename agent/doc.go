// Package agent provides the agent registry the engine resolves agent_ref
// against, plus ready-made agents: function adapters, an echo agent for dry
// runs and an HTTP agent for remote workers. Any agent can be wrapped with a
// per-minute rate limit.
package agent
