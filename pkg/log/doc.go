/*
Package log provides structured logging for herd using zerolog.

The package wraps a single global zerolog.Logger that every other package
derives child loggers from. Hooks run as short-lived processes, so the logger
writes to stderr by default and keeps stdout free for command output.

# Usage

Initializing the Logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component Loggers:

	logger := log.WithComponent("membership")
	logger.Info().Str("peer", "microk8s/1").Msg("Issued join offer")

	unitLog := log.WithUnit("microk8s/0")
	unitLog.Warn().Err(err).Msg("Join failed, will retry on next event")

Structured fields used across herd:

  - component: package emitting the log line
  - unit: local unit identity
  - relation: relation the event belongs to
  - peer: remote unit identity
  - hostname: node hostname being announced, queued or removed
  - op / attempt: cluster agent operation and retry attempt
*/
package log
