package acinfinity

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable means the controller could not be reached or
	// the connection failed mid-exchange. The next poll cycle may retry.
	ErrTransportUnavailable = errors.New("acinfinity: device unavailable")

	// ErrValidation rejects an argument or call before any I/O is attempted.
	ErrValidation = errors.New("acinfinity: invalid request")

	// ErrConfigNotLoaded is returned by auto-mode setters before the first
	// successful poll has established the current configuration.
	ErrConfigNotLoaded = fmt.Errorf("%w: auto mode configuration is not loaded", ErrValidation)

	// ErrUnknownModel means the device type is not in the model table.
	ErrUnknownModel = errors.New("acinfinity: unknown device model")
)
