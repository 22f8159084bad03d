package model

// LogStream identifies which child stream a log line came from.
type LogStream string

const (
	LogStdout   LogStream = "stdout"
	LogStderr   LogStream = "stderr"
	LogSystem   LogStream = "system"
	LogSystemHC LogStream = "system-hc"
)

// LogEntry is one line of node-observed output, tagged with origin and time.
type LogEntry struct {
	TimestampUnixMs int64     `json:"timestamp_unix_ms"`
	Stream          LogStream `json:"stream"`
	Line            string    `json:"line"`
}
