// Package svcfields centralises the structured-log field conventions used
// across vttd subsystems.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// SessionKey tags log entries with the bridge session they concern.
const SessionKey = pslog.TrustedString("session")

// WithSubsystem attaches a dot-delimited subsystem tag to every entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithSession attaches the bridge session id alongside the subsystem tag.
func WithSession(logger pslog.Logger, subsystem, sessionID string) pslog.Logger {
	logger = WithSubsystem(logger, subsystem)
	if sessionID == "" {
		return logger
	}
	return logger.With(SessionKey, sessionID)
}
