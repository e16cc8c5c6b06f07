package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/catalog"
	"github.com/MakerMaker19/meerkat-catalog/pkg/config"
	"github.com/MakerMaker19/meerkat-catalog/pkg/directory"
	"github.com/MakerMaker19/meerkat-catalog/pkg/logging"
	"github.com/MakerMaker19/meerkat-catalog/pkg/serverlist"
	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	log, err := logging.New(logging.DebugFromEnv())
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cmd, args := os.Args[1], os.Args[2:]
	run, ok := commands[cmd]
	if !ok {
		fmt.Println("unknown command:", cmd)
		printUsage()
		os.Exit(1)
	}
	if err := withApp(func(a *app) error { return run(a, args) }); err != nil {
		log.Fatal("command failed", zap.String("command", cmd), zap.Error(err))
	}
}

var commands = map[string]func(a *app, args []string) error{
	"sync":        cmdSync,
	"loads":       cmdLoads,
	"countries":   cmdCountries,
	"secure-core": cmdSecureCore,
	"gateways":    cmdGateways,
	"show":        cmdShow,
	"best":        cmdBest,
	"clear":       cmdClear,
	"watch":       cmdWatch,
}

func printUsage() {
	fmt.Println("MeerkatVPN server catalog CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  catalog-cli sync [--free-only]   # fetch the server list and merge it into the cache")
	fmt.Println("  catalog-cli loads                # refresh load, score and online state only")
	fmt.Println("  catalog-cli countries            # list countries with server counts")
	fmt.Println("  catalog-cli secure-core          # list Secure Core exit countries")
	fmt.Println("  catalog-cli gateways             # list gateways")
	fmt.Println("  catalog-cli show <id>            # show one server")
	fmt.Println("  catalog-cli best [country]       # pick the best server, optionally in a country")
	fmt.Println("  catalog-cli clear                # delete the cached list")
	fmt.Println("  catalog-cli watch                # keep refreshing until Ctrl+C")
	fmt.Println()
	fmt.Println("Configuration comes from MEERKAT_CONFIG (YAML) and MEERKAT_* variables.")
}

type app struct {
	cfg  config.Config
	sync *catalog.Synchronizer
	dir  *directory.Directory
	log  *zap.Logger
}

// withApp starts the catalog pipeline, runs fn and stops the pipeline so
// pending cache writes reach disk.
func withApp(fn func(a *app) error) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	a := &app{cfg: cfg}
	fxApp := serverlist.New(cfg, fx.Populate(&a.sync, &a.dir, &a.log))
	if err := fxApp.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(a)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	return errors.Join(runErr, fxApp.Stop(stopCtx))
}

func (a *app) request(freeOnly bool) catalog.SyncRequest {
	return catalog.SyncRequest{Netzone: a.cfg.Netzone, Lang: a.cfg.Language, FreeOnly: freeOnly || a.cfg.FreeOnly}
}

func cmdSync(a *app, args []string) error {
	freeOnly := len(args) > 0 && args[0] == "--free-only"
	if freeOnly && !a.sync.FreeOnlyAllowed(context.Background()) {
		return errors.New("free-only refresh is unavailable with binary status")
	}
	out := a.sync.Synchronize(context.Background(), a.request(freeOnly))
	fmt.Printf("outcome: %s\n", out.Name())
	if err, isErr := out.(error); isErr {
		return err
	}
	fmt.Printf("servers: %d | language=%s | updated=%s\n",
		a.dir.Len(), a.dir.Language(), a.dir.LastUpdate().Local().Format(time.RFC3339))
	return nil
}

func cmdLoads(a *app, _ []string) error {
	if err := a.sync.RefreshLoads(context.Background(), a.cfg.Netzone, a.cfg.FreeOnly); err != nil {
		return err
	}
	fmt.Printf("loads refreshed for %d servers\n", a.dir.Len())
	return nil
}

func printCountries(list []directory.Country) {
	if len(list) == 0 {
		fmt.Println("No servers cached. Run `catalog-cli sync` first.")
		return
	}
	for _, c := range list {
		fmt.Printf("- %s | servers=%d | online=%d\n", c.Code, len(c.Servers), countOnline(c.Servers))
	}
}

func cmdCountries(a *app, _ []string) error {
	printCountries(a.dir.Countries())
	return nil
}

func cmdSecureCore(a *app, _ []string) error {
	printCountries(a.dir.SecureCoreExitCountries())
	return nil
}

func cmdGateways(a *app, _ []string) error {
	gws := a.dir.Gateways()
	if len(gws) == 0 {
		fmt.Println("No gateways.")
		return nil
	}
	for _, g := range gws {
		fmt.Printf("- %s | servers=%d | online=%d\n", g.Name, len(g.Servers), countOnline(g.Servers))
	}
	return nil
}

func cmdShow(a *app, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: catalog-cli show <id>")
	}
	s, ok := a.dir.ServerByID(args[0])
	if !ok {
		return fmt.Errorf("server %s not found", args[0])
	}
	printServer(s)
	for _, d := range s.ConnectingDomains {
		fmt.Printf("    domain %s | %s | entry=%s exit=%s | online=%v\n", d.ID, d.EntryDomain, d.EntryIP, d.ExitIP, d.Online)
	}
	return nil
}

func cmdBest(a *app, args []string) error {
	var (
		best servers.Server
		ok   bool
	)
	if len(args) > 0 {
		c, found := a.dir.Country(args[0])
		if !found {
			return fmt.Errorf("no servers in %s", strings.ToUpper(args[0]))
		}
		best, ok = directory.BestServer(c.Servers, servers.TierInternal)
	} else {
		best, ok = a.dir.Fastest(servers.TierInternal)
	}
	if !ok {
		return errors.New("no server available")
	}
	printServer(best)
	return nil
}

func cmdClear(a *app, _ []string) error {
	if err := a.dir.ClearCache(context.Background()); err != nil {
		return err
	}
	fmt.Println("Cache cleared.")
	return nil
}

func printServer(s servers.Server) {
	city := s.DisplayCity()
	if city == "" {
		city = "-"
	}
	fmt.Printf("- %s | %s | %s -> %s | %s | tier=%d load=%.0f%% score=%.2f | online=%v | features=%s\n",
		s.ID, s.Name, s.EntryCountry, s.ExitCountry, city, s.Tier, s.Load, s.Score, s.Online(), s.Features)
}

func countOnline(list []servers.Server) int {
	n := 0
	for i := range list {
		if list[i].Online() {
			n++
		}
	}
	return n
}
