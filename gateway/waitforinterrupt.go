package gateway

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForInterrupt blocks until the process receives a termination signal.
func WaitForInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}
