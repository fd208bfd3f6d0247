package checks

import (
	"runtime/debug"
	"strings"

	"github.com/phuslu/log"
)

// Checks has its own package, to prevent dependency cycles

// CheckWithMessage logs err at fatal level with message and exits. The stack trace is only
// attached at debug level, the pipeline errors already carry the failing step.
func CheckWithMessage(err error, message string) {
	if err != nil {
		if log.DefaultLogger.Level <= log.DebugLevel {
			stack := strings.Join(strings.Split(string(debug.Stack()), "\n")[5:], "\n")
			log.Fatal().Err(err).Str("stack", stack).Msg(message)
		}
		log.Fatal().Err(err).Msg(message)
	}
}
