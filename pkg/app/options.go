package app

import (
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/v2x/pkg/log"
)

// NamedFlagSetOptions is the options aggregate of a command.
type NamedFlagSetOptions interface {
	// Flags returns the flags grouped by section.
	Flags() cliflag.NamedFlagSets

	// Complete fills in fields that derive from others.
	Complete() error

	// Validate checks the completed options.
	Validate() error
}

// LoggerOptions is implemented by options that configure the global logger.
type LoggerOptions interface {
	LogOptions() *log.Options
}
