// Command filterproxy starts the on-device filtering SOCKS5 proxy: an
// optional YAML config path as the only argument, signal-driven graceful
// shutdown, and a single line announcing the bound loopback port once the
// listener is up.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"filterproxy/internal/app"
	"filterproxy/internal/logx"
)

var log = logx.New(logx.WithPrefix("main"))

func main() {
	cfgPath := ""
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filterproxy: %v\n", err)
		os.Exit(1)
	}

	ready := make(chan int, 1)
	if err := a.Start(func(port int) { ready <- port }); err != nil {
		fmt.Fprintf(os.Stderr, "filterproxy: start: %v\n", err)
		os.Exit(1)
	}

	select {
	case port := <-ready:
		log.Infof("ready on 127.0.0.1:%d", port)
	default:
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	log.Infof("shutting down")

	if err := a.Stop(); err != nil {
		log.Errorf("stop error: %v", err)
	}
	log.Infof("bye")
}
