package topdownlog

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
)

// SetupLogLevels sets the default levels of the node subsystems. Levels given
// through GOLOG_LOG_LEVEL take precedence.
func SetupLogLevels() {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); set {
		return
	}
	_ = logging.SetLogLevel("*", "INFO")
	_ = logging.SetLogLevel("pubsub", "WARN")
	_ = logging.SetLogLevel("rpc", "ERROR")
	_ = logging.SetLogLevel("proofs/cache", "WARN")
	_ = logging.SetLogLevel("proofs/assembler", "WARN")
}
