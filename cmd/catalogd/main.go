package main

import (
	"fmt"
	"os"

	"github.com/MakerMaker19/meerkat-catalog/pkg/config"
	"github.com/MakerMaker19/meerkat-catalog/pkg/serverlist"
)

func main() {
	// ---- 1. Read configuration ----

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "catalogd:", err)
		os.Exit(1)
	}

	// ---- 2. Build the pipeline, refresh loops, prober and HTTP API ----

	app := serverlist.New(cfg,
		serverlist.RunnerModule(),
		serverlist.ProbeModule(),
		serverlist.APIModule(),
	)

	// ---- 3. Run until SIGINT/SIGTERM ----

	app.Run()
}
