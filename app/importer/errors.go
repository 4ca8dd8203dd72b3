package importer

import "fmt"

// ConfigurationError aborts a run before any feed is touched.
type ConfigurationError struct {
	Dir string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("output directory %s is not usable: %v", e.Dir, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
