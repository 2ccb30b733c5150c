package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gitzhang10/subchain/chains"
	"github.com/gitzhang10/subchain/config"
	"github.com/gitzhang10/subchain/node"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

func main() {
	n, err := node.NewNode(conf, nil)
	if err != nil {
		panic(err)
	}
	n.OnStuck = func() {
		fmt.Fprintln(os.Stderr, "consensus is stuck, exiting")
		os.Exit(chains.ExitCodeStuck)
	}

	if err := n.Start(); err != nil {
		panic(err)
	}
	fmt.Println("node is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.RequestExit()
	n.Wait()
}
