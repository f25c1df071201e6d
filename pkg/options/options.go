package options

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/pflag"
)

// IOptions is implemented by every per-concern options struct so they can be
// composed into a command's full option set.
type IOptions interface {
	// Validate parses and validates the parameters entered by the user at
	// the command line when the program starts.
	Validate() []error

	// AddFlags adds the options' flags to the specified FlagSet.
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}

// ValidateAbsPath returns an error unless path is non-empty and absolute.
func ValidateAbsPath(name, path string) error {
	if path == "" {
		return fmt.Errorf("%s must not be empty", name)
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%s must be an absolute path, got %q", name, path)
	}
	return nil
}
