package logger

// AppName is the fixed name of the service, used for log file names.
const AppName = "fuzzci"

// LogPrefixes returns the log file name prefixes to look for.
func LogPrefixes() []string { return []string{AppName} }

// PrimaryLogPrefix returns the preferred filename prefix for log files.
func PrimaryLogPrefix() string { return AppName }
