/*
Package log provides structured logging for Formation using zerolog.

A single global logger is configured once via Init and shared across the
process; call sites derive component-scoped child loggers (WithPeer,
WithInstanceID, WithOperationID, WithAgentID) that attach a field without
mutating the global instance.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	l := log.WithInstanceID(instance.ID)
	l.Info().Str("status", string(instance.Status)).Msg("instance transitioned")
*/
package log
