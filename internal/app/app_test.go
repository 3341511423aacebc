package app_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-scheduler/internal/app"
	"github.com/unclebandit/outreach-scheduler/internal/config"
	"github.com/unclebandit/outreach-scheduler/internal/gateway"
	"github.com/unclebandit/outreach-scheduler/internal/guard"
	"github.com/unclebandit/outreach-scheduler/internal/metrics"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Gateway = "mock"
	return cfg
}

func TestNewGatewayWrapsConfiguredBackend(t *testing.T) {
	cfg := testConfig(t)
	m := metrics.New(nil)

	gw, err := app.NewGateway(cfg, m, zap.NewNop())
	require.NoError(t, err)
	inst, ok := gw.(*gateway.Instrumented)
	require.True(t, ok)
	assert.IsType(t, &gateway.Mock{}, inst.Next)

	cfg.Gateway = "smtp"
	cfg.SMTPHost = "mail.example"
	gw, err = app.NewGateway(cfg, m, zap.NewNop())
	require.NoError(t, err)
	smtp, ok := gw.(*gateway.Instrumented).Next.(*gateway.SMTP)
	require.True(t, ok)
	assert.Equal(t, "mail.example", smtp.Host)

	cfg.Gateway = "pigeon"
	_, err = app.NewGateway(cfg, m, zap.NewNop())
	assert.Error(t, err)
}

func TestNewGuardUsesRedisWhenConfigured(t *testing.T) {
	cfg := testConfig(t)

	g, client := app.NewGuard(cfg)
	assert.Nil(t, client)
	assert.IsType(t, guard.Noop{}, g)

	mr := miniredis.RunT(t)
	cfg.RedisAddr = mr.Addr()
	g, client = app.NewGuard(cfg)
	require.NotNil(t, client)
	t.Cleanup(func() { client.Close() })
	assert.IsType(t, &guard.RedisGuard{}, g)
}

func TestRouter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	a, err := app.New(testConfig(t), zap.NewNop(), db, reg)
	require.NoError(t, err)
	srv := httptest.NewServer(a.Router(reg))
	t.Cleanup(srv.Close)

	mock.ExpectQuery(`SELECT .+ FROM campaigns WHERE id=\$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	resp, err := http.Post(srv.URL+"/campaigns/42/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/campaigns/nope/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectClose()
	require.NoError(t, a.Close())
}
