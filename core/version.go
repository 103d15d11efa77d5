package core

// Version is the version of the reservoir code.  The database records
// the version that last wrote it; see migrate.go.
const Version = "0.1.0"

// CodeVersion returns the version of the reservoir code.
func CodeVersion() string {
	return Version
}
