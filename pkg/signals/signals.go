// Package signals 把SIGINT和SIGTERM转换为关闭通道
package signals

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// RegisterSignalHandlers 收到第一个信号时关闭返回的通道，收到第二个信号时直接退出
func RegisterSignalHandlers() <-chan struct{} {
	stopCh := make(chan struct{})
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Infof("Received signal %s, shutting down", sig)
		close(stopCh)
		<-sigCh
		log.Warn("Received second signal, exit directly")
		os.Exit(1)
	}()
	return stopCh
}
