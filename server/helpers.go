package server

import (
	"strings"
	"time"
)

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// parseExportArgs splits "/export [from] [to]" into its positional date
// arguments, tolerating any amount of whitespace between tokens.
func parseExportArgs(text string) (from, to string) {
	fields := strings.Fields(text)
	if len(fields) > 1 {
		from = fields[1]
	}
	if len(fields) > 2 {
		to = fields[2]
	}
	return from, to
}
