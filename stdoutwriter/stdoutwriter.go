package stdoutwriter

import "fmt"

// Logger writes each log line to stdout. It is the fallback writer used
// when no external log sink is configured.
type Logger struct{}

func (l Logger) Write(p []byte) (n int, err error) {
	fmt.Println(string(p))
	return len(p), nil
}
