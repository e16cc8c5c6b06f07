package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/catalog"
	"github.com/MakerMaker19/meerkat-catalog/pkg/config"
	"github.com/MakerMaker19/meerkat-catalog/pkg/directory"
	"github.com/MakerMaker19/meerkat-catalog/pkg/serverlist"
	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

// ---- list items ----

type groupItem struct {
	key     string
	servers []servers.Server
}

func (i groupItem) Title() string { return i.key }
func (i groupItem) Description() string {
	online := 0
	for k := range i.servers {
		if i.servers[k].Online() {
			online++
		}
	}
	return fmt.Sprintf("%d servers, %d online", len(i.servers), online)
}
func (i groupItem) FilterValue() string { return i.key }

type serverItem struct {
	server servers.Server
}

func (i serverItem) Title() string { return i.server.Name }
func (i serverItem) Description() string {
	state := "offline"
	if i.server.Online() {
		state = "online"
	}
	return fmt.Sprintf("%s | tier=%d load=%.0f%% score=%.2f | %s",
		i.server.DisplayCity(), i.server.Tier, i.server.Load, i.server.Score, state)
}
func (i serverItem) FilterValue() string { return i.server.Name }

// ---- model ----

type view int

const (
	viewCountries view = iota
	viewSecureCore
	viewGateways
	viewServers
)

func (v view) String() string {
	switch v {
	case viewSecureCore:
		return "Secure Core"
	case viewGateways:
		return "Gateways"
	case viewServers:
		return "Servers"
	default:
		return "Countries"
	}
}

type model struct {
	ctx    context.Context
	cfg    config.Config
	sync   *catalog.Synchronizer
	dir    *directory.Directory
	list   list.Model
	view   view
	parent view
	group  string

	statusMsg string
	busy      bool
}

func initialModel(ctx context.Context, cfg config.Config, s *catalog.Synchronizer) model {
	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	m := model{
		ctx:       ctx,
		cfg:       cfg,
		sync:      s,
		dir:       s.Directory(),
		list:      l,
		statusMsg: "r: sync | l: loads | tab: switch view | enter: open | esc: back | q: quit",
	}
	m.refreshItems()
	return m
}

func (m *model) refreshItems() {
	var items []list.Item
	switch m.view {
	case viewCountries:
		for _, c := range m.dir.Countries() {
			items = append(items, groupItem{key: c.Code, servers: c.Servers})
		}
	case viewSecureCore:
		for _, c := range m.dir.SecureCoreExitCountries() {
			items = append(items, groupItem{key: c.Code, servers: c.Servers})
		}
	case viewGateways:
		for _, g := range m.dir.Gateways() {
			items = append(items, groupItem{key: g.Name, servers: g.Servers})
		}
	case viewServers:
		for _, s := range m.groupServers() {
			items = append(items, serverItem{server: s})
		}
	}
	m.list.SetItems(items)
	m.list.Title = fmt.Sprintf("MeerkatVPN %s", m.view)
	if m.view == viewServers {
		m.list.Title += " in " + m.group
	}
}

func (m *model) groupServers() []servers.Server {
	switch m.parent {
	case viewSecureCore:
		c, _ := m.dir.SecureCoreExit(m.group)
		return c.Servers
	case viewGateways:
		g, _ := m.dir.Gateway(m.group)
		return g.Servers
	default:
		c, _ := m.dir.Country(m.group)
		return c.Servers
	}
}

// ---- messages ----

type statusMsg string
type syncedMsg struct{ outcome catalog.Outcome }

// ---- BubbleTea interface ----

func (m model) Init() tea.Cmd {
	if m.dir.NeedsUpdate(m.cfg.Language) {
		return m.syncCmd()
	}
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-4)
		return m, nil

	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "r":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.statusMsg = "Syncing server list..."
			return m, m.syncCmd()

		case "l":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.statusMsg = "Refreshing loads..."
			return m, m.loadsCmd()

		case "tab":
			if m.view == viewServers {
				return m, nil
			}
			m.view = (m.view + 1) % viewServers
			m.refreshItems()
			return m, nil

		case "enter":
			if g, ok := m.list.SelectedItem().(groupItem); ok {
				m.parent, m.view, m.group = m.view, viewServers, g.key
				m.refreshItems()
			}
			return m, nil

		case "esc":
			if m.view == viewServers {
				m.view = m.parent
				m.refreshItems()
				return m, nil
			}
		}

	case statusMsg:
		m.busy = false
		m.statusMsg = string(msg)
		m.refreshItems()
		return m, nil

	case syncedMsg:
		m.busy = false
		m.statusMsg = fmt.Sprintf("Sync finished: %s (%d servers)", msg.outcome.Name(), m.dir.Len())
		if err, isErr := msg.outcome.(error); isErr {
			m.statusMsg = "Sync failed: " + err.Error()
		}
		m.refreshItems()
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m model) View() string {
	updated := "never"
	if t := m.dir.LastUpdate(); !t.IsZero() {
		updated = t.Local().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s\n\nupdated: %s | %s\n", m.list.View(), updated, m.statusMsg)
}

// ---- commands ----

func (m model) syncCmd() tea.Cmd {
	return func() tea.Msg {
		out := m.sync.Synchronize(m.ctx, catalog.SyncRequest{
			Netzone:  m.cfg.Netzone,
			Lang:     m.cfg.Language,
			FreeOnly: m.cfg.FreeOnly,
		})
		return syncedMsg{outcome: out}
	}
}

func (m model) loadsCmd() tea.Cmd {
	return func() tea.Msg {
		if err := m.sync.RefreshLoads(m.ctx, m.cfg.Netzone, m.cfg.FreeOnly); err != nil {
			return statusMsg(fmt.Sprintf("loads error: %v", err))
		}
		return statusMsg("Loads refreshed.")
	}
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// keep logs off the terminal the TUI draws on
	var s *catalog.Synchronizer
	app := serverlist.NewWithLogger(cfg, zap.NewNop(), fx.Populate(&s))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		os.Exit(1)
	}

	_, runErr := tea.NewProgram(initialModel(ctx, cfg, s), tea.WithAltScreen()).Run()
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}
