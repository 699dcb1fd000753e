/*
Package log provides structured logging for meridiand using zerolog.

It wraps zerolog with a package-level global Logger, a small Config for
choosing JSON vs console output, and context-logger helpers
(WithComponent, WithRegion, WithVirtualServer, WithTransfer) for
attaching the identifiers a replication engine's log lines need without
threading a logger through every call.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Logger.Info().
		Uint64("region", uint64(region)).
		Msg("meridiand: hosting virtual server")

	regionLog := log.WithRegion(uint64(region))
	regionLog.Warn().Err(err).Msg("retransmit sweep found a gap")

# Integration points

  - pkg/replication: version assignment, chain forwarding, retransmit sweeps
  - pkg/transfer: state transfer handshake and windowed shipping
  - pkg/store: checkpoint, index build, and wipe background workers
  - pkg/coordinator: reconfiguration and stable/transfer status reports
  - cmd/meridiand: process startup, shutdown, and dispatch-loop errors

# Best practices

Use structured fields (.Uint64, .Str, .Err) instead of string
interpolation so logs stay queryable, and prefer a context logger
(WithRegion, WithVirtualServer) over repeating the same field on every
call site within one region or virtual server's code path.
*/
package log
