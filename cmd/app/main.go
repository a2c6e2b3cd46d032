// Command app runs the partner forwarding middleware: it loads
// configuration from the environment, wires every registry and adapter,
// and serves the Control API until an interrupt or termination signal
// asks it to shut down.
package main

import (
	"fmt"
	"os"

	"github.com/partnerforwarder/partner-forwarder/internal/bootstrap"
)

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "partner-forwarder: config: %v\n", err)
		os.Exit(1)
	}

	if err := bootstrap.New(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "partner-forwarder: %v\n", err)
		os.Exit(1)
	}
}
