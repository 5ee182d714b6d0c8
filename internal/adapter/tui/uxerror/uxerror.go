// Package uxerror translates raw errors into user-friendly messages with
// the next bridge command to try.
package uxerror

import (
	"errors"
	"fmt"
	"strings"

	"agentbridge/internal/adapter/tui/theme"
	"agentbridge/internal/domain"
)

// FriendlyError is a user-facing error with suggestions for recovery.
type FriendlyError struct {
	Title   string   // short heading, e.g. "Bridge Not Running"
	Message string   // one-liner explanation
	Hints   []string // actionable recovery suggestions
	Raw     string   // original error text (for debug)
}

// Render formats the FriendlyError for the terminal.
func (fe FriendlyError) Render() string {
	var sb strings.Builder
	sb.WriteString(theme.TextError.Render(theme.SymbolError + " " + fe.Title))
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	if len(fe.Hints) > 0 {
		sb.WriteString("\n  ")
		sb.WriteString(theme.TextMuted.Render("Try:"))
		for _, h := range fe.Hints {
			sb.WriteString(fmt.Sprintf("\n    %s %s", theme.SymbolBullet, h))
		}
	}
	if fe.Raw != "" && fe.Raw != fe.Message {
		sb.WriteString("\n  ")
		sb.WriteString(theme.Dim.Render(fe.Raw))
	}
	return sb.String()
}

// UsageError marks a command invoked with bad arguments or flags.
type UsageError struct {
	Command string // full command path, e.g. "bridge message"
	Err     error
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

type errorPattern struct {
	match   func(err error) bool
	produce func(err error) FriendlyError
}

var patterns = []errorPattern{
	{
		match: func(err error) bool {
			var ue *UsageError
			return errors.As(err, &ue)
		},
		produce: func(err error) FriendlyError {
			var ue *UsageError
			errors.As(err, &ue)
			return FriendlyError{
				Title:   "Invalid Usage",
				Message: err.Error(),
				Hints:   []string{ue.Command + " --help"},
				Raw:     err.Error(),
			}
		},
	},
	{
		match: containsAny("unknown command", "unknown flag", "unknown shorthand flag"),
		produce: constantError("Invalid Usage",
			"The bridge does not know that command or flag.",
			[]string{"bridge --help"}),
	},
	// Bridge sentinels first so errors.Is sees through wrapping.
	{
		match: is(domain.ErrAlreadyRunning),
		produce: constantError("Bridge Already Running",
			"Another hub holds the bridge lock.",
			[]string{"bridge status", "bridge restart"}),
	},
	{
		match: is(domain.ErrNotRunning),
		produce: constantError("Bridge Not Running",
			"No healthy hub answered on this machine.",
			[]string{"bridge start"}),
	},
	{
		match: is(domain.ErrStartupTimeout),
		produce: constantError("Bridge Startup Timed Out",
			"The hub did not report healthy before the startup timeout.",
			[]string{"bridge logs", "bridge doctor", "raise supervisor.startup_timeout in config"}),
	},
	{
		match: is(domain.ErrRecipientNotFound),
		produce: constantError("Recipient Not Found",
			"No connected agent has that id.",
			[]string{"bridge status (lists connected agents)"}),
	},
	{
		match: is(domain.ErrRemoteTimeout),
		produce: constantError("Remote Agent Timed Out",
			"The remote agent did not answer in time.",
			[]string{"check that the remote agent is connected with bridge status", "raise orchestrator.remote_timeout or the rule timeout"}),
	},
	{
		match: is(domain.ErrRepairImpossible),
		produce: constantError("Repair Impossible",
			"The global installation is missing the files needed to restore the local copy.",
			[]string{"reinstall the global bridge files", "set paths.global_dir to a complete installation"}),
	},
	{
		match: is(domain.ErrDuplicateRegistration),
		produce: constantError("Connection ID In Use",
			"Another agent is already registered under that id.",
			[]string{"pick a different id", "bridge status"}),
	},
	{
		match: is(domain.ErrFileNotFound),
		produce: constantError("Bridge File Missing",
			"The file is in neither the local nor the global installation.",
			[]string{"bridge repair", "bridge doctor"}),
	},
	{
		match: is(domain.ErrConfigLoad),
		produce: constantError("Invalid Configuration",
			"The bridge configuration could not be loaded.",
			[]string{"bridge doctor"}),
	},

	// Transport patterns for errors from outside the domain.
	{
		match: containsAny("connection refused", "dial tcp", "no such host"),
		produce: constantError("Connection Failed",
			"Could not reach the bridge hub.",
			[]string{"bridge status", "bridge start"}),
	},
	{
		match: containsAny("401", "unauthorized", "authentication failed"),
		produce: constantError("Authentication Failed",
			"The hub rejected the bridge token.",
			[]string{"set hub.token or AGENTBRIDGE_HUB_TOKEN to the hub's token"}),
	},
	{
		match: containsAny("deadline exceeded", "timeout"),
		produce: constantError("Request Timed Out",
			"The request took too long to complete.",
			[]string{"bridge status", "bridge logs"}),
	},
}

// Humanize converts a raw error into a FriendlyError with recovery hints.
func Humanize(err error) FriendlyError {
	if err == nil {
		return FriendlyError{Title: "Unknown Error", Raw: "nil"}
	}

	for _, p := range patterns {
		if p.match(err) {
			return p.produce(err)
		}
	}

	return FriendlyError{
		Title:   "Unexpected Error",
		Message: err.Error(),
		Hints:   []string{"bridge logs", "run with AGENTBRIDGE_LOGGER_LEVEL=debug for more details"},
		Raw:     err.Error(),
	}
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// containsAny returns a match func that checks if the error string contains
// any of the given substrings (case-insensitive).
func containsAny(substrs ...string) func(error) bool {
	return func(err error) bool {
		lower := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

// constantError returns a produce func that always returns the same FriendlyError.
func constantError(title, message string, hints []string) func(error) FriendlyError {
	return func(err error) FriendlyError {
		return FriendlyError{
			Title:   title,
			Message: message,
			Hints:   hints,
			Raw:     err.Error(),
		}
	}
}
