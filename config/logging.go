package config

import (
	"log"
	"os"
	"path/filepath"
)

// Debug reports whether debug logging is active. Enabled with PLUME_DEBUG=1.
var Debug bool

// DebugLog writes to <dataDir>/debug.log when Debug is set. Nil until
// InitDebugLog runs; callers guard with the Debug flag.
var DebugLog *log.Logger

// InitDebugLog sets up the debug logger under the data directory. Failures
// disable debug logging rather than aborting startup.
func InitDebugLog(dataDir string) {
	Debug = os.Getenv("PLUME_DEBUG") == "1"
	if !Debug {
		return
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		Debug = false
		return
	}

	f, err := os.OpenFile(filepath.Join(dataDir, "debug.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		Debug = false
		return
	}

	DebugLog = log.New(f, "", log.LstdFlags)
}
