package plugin

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNoOutputAssets = errors.New("There are no output assets. Is your build configuration correct?")

// ScriptNotFoundError is returned when the configured script matches no
// output asset and is not a file on disk.
type ScriptNotFoundError struct {
	Requested string
	Available []string
}

func (e *ScriptNotFoundError) Error() string {
	return fmt.Sprintf("Given script name '%s' could not be found among build output assets: %s or in the file system",
		e.Requested, strings.Join(e.Available, ","))
}

// CannotDetermineScriptError is returned when no script is configured and
// the output has no obvious entry point.
type CannotDetermineScriptError struct {
	Available []string
}

func (e *CannotDetermineScriptError) Error() string {
	return fmt.Sprintf("Can not determine which script to run. Choose a script among given list: %s or provide a path to a file",
		strings.Join(e.Available, ","))
}
