package admin

import "time"

// Clock abstracts time.Now for deterministic tests of cooldown windows and
// retention timestamps.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
