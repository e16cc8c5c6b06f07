// Package api serves the directory over HTTP for local consumers (the TUI,
// scripts, other processes) and exposes sync metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/catalog"
	"github.com/MakerMaker19/meerkat-catalog/pkg/directory"
	"github.com/MakerMaker19/meerkat-catalog/pkg/probe"
	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

// SecretHeader carries the shared secret of the mutating endpoints.
const SecretHeader = "X-Meerkat-Secret"

// Defaults are the request values used when a sync call leaves them out.
type Defaults struct {
	Netzone  string
	Lang     string
	FreeOnly bool
}

type Params struct {
	Addr     string
	Secret   string
	Sync     *catalog.Synchronizer
	Prober   *probe.Prober // optional
	Gatherer prometheus.Gatherer
	Defaults Defaults
	Logger   *zap.Logger
}

type Server struct {
	addr     string
	secret   string
	sync     *catalog.Synchronizer
	dir      *directory.Directory
	prober   *probe.Prober
	gatherer prometheus.Gatherer
	defaults Defaults
	log      *zap.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

func NewServer(p Params) *Server {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Gatherer == nil {
		p.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		addr:     p.Addr,
		secret:   p.Secret,
		sync:     p.Sync,
		dir:      p.Sync.Directory(),
		prober:   p.Prober,
		gatherer: p.Gatherer,
		defaults: p.Defaults,
		log:      p.Logger.Named("api"),
	}
}

// Handler returns the routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("GET /v1/servers/{id}", s.handleServer)
	mux.HandleFunc("GET /v1/countries", s.handleCountries)
	mux.HandleFunc("GET /v1/countries/{code}", s.handleCountry)
	mux.HandleFunc("GET /v1/secure-core", s.handleSecureCore)
	mux.HandleFunc("GET /v1/gateways", s.handleGateways)
	mux.HandleFunc("GET /v1/best", s.handleBest)
	mux.HandleFunc("POST /v1/sync", s.requireSecret(s.handleSync))
	mux.HandleFunc("POST /v1/loads", s.requireSecret(s.handleLoads))
	mux.HandleFunc("DELETE /v1/cache", s.requireSecret(s.handleClear))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", zap.Error(err))
		}
	}(s.srv)

	s.log.Info("api listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the listener down, waiting for requests in flight until ctx
// is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.srv, s.listener = nil, nil
	return err
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// requireSecret rejects requests without the shared secret. An empty
// configured secret rejects everything.
func (s *Server) requireSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sec := r.Header.Get(SecretHeader)
		if s.secret == "" || sec != s.secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("encoding response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type statusResponse struct {
	Loaded       bool      `json:"loaded"`
	Servers      int       `json:"servers"`
	StatusID     string    `json:"statusId,omitempty"`
	Language     string    `json:"language,omitempty"`
	LastUpdate   time.Time `json:"lastUpdate"`
	LastModified time.Time `json:"lastModified"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Loaded:       s.dir.Loaded(),
		Servers:      s.dir.Len(),
		StatusID:     s.dir.StatusID(),
		Language:     s.dir.Language(),
		LastUpdate:   s.dir.LastUpdate(),
		LastModified: s.dir.LastModified(),
	})
}

// serverView is a Server plus its derived online flag.
type serverView struct {
	servers.Server
	Online bool   `json:"online"`
	Group  string `json:"group"`
}

func view(list []servers.Server) []serverView {
	out := make([]serverView, 0, len(list))
	for i := range list {
		out = append(out, viewOne(list[i]))
	}
	return out
}

func viewOne(s servers.Server) serverView {
	v := serverView{Server: s, Online: s.Online()}
	switch {
	case s.IsSecureCore():
		v.Group = "secure-core:" + servers.NormalizeCountry(s.ExitCountry)
	case s.IsGateway():
		name, _ := s.ResolvedGatewayName()
		v.Group = "gateway:" + name
	default:
		v.Group = "country:" + servers.NormalizeCountry(s.EntryCountry)
	}
	return v
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var list []servers.Server
	if q.Get("sort") == "score" {
		list = s.dir.AllByScore()
	} else {
		list = s.dir.All()
	}
	if q.Get("sort") == "latency" && s.prober != nil {
		list = s.prober.RankByLatency(list)
	}

	maxTier, err := tierParam(q.Get("maxTier"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	country := servers.NormalizeCountry(q.Get("country"))
	onlineOnly := q.Get("online") == "1" || q.Get("online") == "true"

	filtered := list[:0]
	for _, srv := range list {
		if srv.Tier > maxTier {
			continue
		}
		if country != "" && srv.ExitCountry != country {
			continue
		}
		if onlineOnly && !srv.Online() {
			continue
		}
		filtered = append(filtered, srv)
	}
	s.writeJSON(w, http.StatusOK, view(filtered))
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.dir.ServerByID(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "server not found")
		return
	}
	s.writeJSON(w, http.StatusOK, viewOne(srv))
}

type groupView struct {
	Key     string       `json:"key"`
	Online  int          `json:"online"`
	Servers []serverView `json:"servers"`
}

func countryViews(list []directory.Country) []groupView {
	out := make([]groupView, 0, len(list))
	for _, c := range list {
		out = append(out, groupOf(c.Code, c.Servers))
	}
	return out
}

func groupOf(key string, list []servers.Server) groupView {
	g := groupView{Key: key, Servers: view(list)}
	for _, v := range g.Servers {
		if v.Online {
			g.Online++
		}
	}
	return g
}

func (s *Server) handleCountries(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, countryViews(s.dir.Countries()))
}

func (s *Server) handleCountry(w http.ResponseWriter, r *http.Request) {
	c, ok := s.dir.Country(r.PathValue("code"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "country not found")
		return
	}
	s.writeJSON(w, http.StatusOK, groupOf(c.Code, c.Servers))
}

func (s *Server) handleSecureCore(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, countryViews(s.dir.SecureCoreExitCountries()))
}

func (s *Server) handleGateways(w http.ResponseWriter, _ *http.Request) {
	gws := s.dir.Gateways()
	out := make([]groupView, 0, len(gws))
	for _, g := range gws {
		out = append(out, groupOf(g.Name, g.Servers))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxTier, err := tierParam(q.Get("maxTier"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		best servers.Server
		ok   bool
	)
	if code := q.Get("country"); code != "" {
		c, found := s.dir.Country(code)
		if found {
			best, ok = directory.BestServer(c.Servers, maxTier)
		}
	} else {
		best, ok = s.dir.Fastest(maxTier)
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no server available")
		return
	}
	s.writeJSON(w, http.StatusOK, viewOne(best))
}

type syncRequest struct {
	Netzone  *string `json:"netzone"`
	Lang     *string `json:"lang"`
	FreeOnly *bool   `json:"freeOnly"`
}

type syncResponse struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
	Servers int    `json:"servers"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "bad request")
			return
		}
	}
	req := catalog.SyncRequest{Netzone: s.defaults.Netzone, Lang: s.defaults.Lang, FreeOnly: s.defaults.FreeOnly}
	if body.Netzone != nil {
		req.Netzone = *body.Netzone
	}
	if body.Lang != nil {
		req.Lang = *body.Lang
	}
	if body.FreeOnly != nil {
		req.FreeOnly = *body.FreeOnly
	}
	if req.FreeOnly && !s.sync.FreeOnlyAllowed(r.Context()) {
		s.writeError(w, http.StatusConflict, "free-only refresh is unavailable with binary status")
		return
	}

	out := s.sync.Synchronize(r.Context(), req)
	resp := syncResponse{Outcome: out.Name(), Servers: s.dir.Len()}
	status := http.StatusOK
	if err, isErr := out.(error); isErr {
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleLoads(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.RefreshLoads(r.Context(), s.defaults.Netzone, s.defaults.FreeOnly); err != nil {
		s.log.Warn("loads refresh failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.dir.ClearCache(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func tierParam(v string) (servers.Tier, error) {
	if strings.TrimSpace(v) == "" {
		return servers.TierInternal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("maxTier must be a non-negative integer")
	}
	return n, nil
}
