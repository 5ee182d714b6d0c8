package main

import (
	"errors"

	"agentbridge/internal/domain"
)

// Exit codes. Scripts rely on AlreadyRunning and NotRunning being distinct.
const (
	exitOK                = 0
	exitFailure           = 1
	exitAlreadyRunning    = 3
	exitNotRunning        = 4
	exitStartupTimeout    = 5
	exitRecipientNotFound = 6
	exitRepairImpossible  = 7
	exitFileNotFound      = 8
	exitRemoteTimeout     = 9
)

var exitCodes = []struct {
	err  error
	code int
}{
	{domain.ErrAlreadyRunning, exitAlreadyRunning},
	{domain.ErrNotRunning, exitNotRunning},
	{domain.ErrStartupTimeout, exitStartupTimeout},
	{domain.ErrRecipientNotFound, exitRecipientNotFound},
	{domain.ErrRepairImpossible, exitRepairImpossible},
	{domain.ErrFileNotFound, exitFileNotFound},
	{domain.ErrRemoteTimeout, exitRemoteTimeout},
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	for _, ec := range exitCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return exitFailure
}
