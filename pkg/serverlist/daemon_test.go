package serverlist

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/api"
	"github.com/MakerMaker19/meerkat-catalog/pkg/config"
	"github.com/MakerMaker19/meerkat-catalog/pkg/probe"
)

func TestDaemonModules(t *testing.T) {
	cs := newCatalogServer(t)
	cfg := testConfig(cs.URL)
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.APISecret = "s3cret"
	cfg.ProbeInterval = config.Duration(time.Hour)

	var (
		srv    *api.Server
		prober *probe.Prober
	)
	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Supply(zap.NewNop()),
		Module(),
		ProbeModule(),
		APIModule(),
		fx.Populate(&srv, &prober),
	)
	app.RequireStart()
	defer app.RequireStop()

	req, err := http.NewRequest(http.MethodPost, "http://"+srv.Addr()+"/v1/sync", strings.NewReader(`{"lang":"en"}`))
	require.NoError(t, err)
	req.Header.Set(api.SecretHeader, "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Outcome string `json:"outcome"`
		Servers int    `json:"servers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "new_servers", body.Outcome)
	assert.Equal(t, 2, body.Servers)

	got, err := http.Get("http://" + srv.Addr() + "/v1/countries")
	require.NoError(t, err)
	_ = got.Body.Close()
	assert.Equal(t, http.StatusOK, got.StatusCode)
}
