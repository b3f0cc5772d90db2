// Command fakio-check validates a fakio-server or fakio-local
// configuration file without binding any sockets, for use in deploy
// pipelines and the GUI config tool's "test configuration" action.
package main

import (
	"fmt"
	"os"

	"github.com/fakio/fakio/pkg/config"
	"github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) != 3 || (os.Args[1] != "server" && os.Args[1] != "local") {
		logrus.Fatalf("usage: %s <server|local> <config-file>", os.Args[0])
	}

	switch os.Args[1] {
	case "server":
		cfg, err := config.LoadServerConfig(os.Args[2])
		if err != nil {
			logrus.Fatalf("fakio-check: %v", err)
		}
		fmt.Printf("ok: server config valid, %d user(s), connections=%d\n", cfg.Users.Len(), cfg.Connections)
	case "local":
		cfg, err := config.LoadClientConfig(os.Args[2])
		if err != nil {
			logrus.Fatalf("fakio-check: %v", err)
		}
		fmt.Printf("ok: local config valid, user=%s, server=%s:%d\n", cfg.Username, cfg.ServerHost, cfg.ServerPort)
	}
}
