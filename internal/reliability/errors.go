package reliability

import (
	"fmt"
	"time"
)

// GiveUpError is returned by Do when the schedule is exhausted or the last
// error was permanent
type GiveUpError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("gave up after %d attempts in %v: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *GiveUpError) Unwrap() error {
	return e.Err
}
