// Command spacy runs a single cluster node: it wires the Server, Node,
// PluginMan and Router components together and blocks until terminated
// (spec.md §2, original_source/src/main.rs's component-wiring shape).
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jabolina/spacy/pkg/spacy/config"
	"github.com/jabolina/spacy/pkg/spacy/node"
	"github.com/jabolina/spacy/pkg/spacy/pluginman"
	"github.com/jabolina/spacy/pkg/spacy/router"
	"github.com/jabolina/spacy/pkg/spacy/server"
)

func main() {
	base := config.DefaultConfiguration("spacy")
	logger := base.Logger

	r := router.New(logger)

	n := node.New(base, r.Inbound)
	id := n.ID()
	logger.Infof("starting node %s", id)

	pm, err := pluginman.New(base, r.Inbound)
	if err != nil {
		logger.Errorf("failed starting plugin manager: %v", err)
		os.Exit(1)
	}
	srv, err := server.New(base, id, r.Inbound)
	if err != nil {
		logger.Errorf("failed starting server: %v", err)
		os.Exit(1)
	}
	r.SetTargets(n.Inbound, pm.Inbound, srv.Inbound)

	go r.Run()
	go n.Run()
	go pm.Run()
	go srv.Run()

	logger.Infof("node %s ready", id)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Infof("node %s shutting down", id)
	srv.Stop()
	pm.Stop()
	n.Stop()
	r.Stop()
}
