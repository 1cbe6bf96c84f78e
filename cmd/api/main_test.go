package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rummi-server/internal/config"
	"rummi-server/internal/session"
)

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected an oops error, got %v", err)
	assert.Equal(t, code, oopsErr.Code())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile = ""

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestNewRootCmd_Subcommands(t *testing.T) {
	assert := assert.New(t)
	cmd := NewRootCmd()

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.Equal("serve", serve.Name())

	for _, name := range []string{"up", "down", "version"} {
		sub, _, err := cmd.Find([]string{"migrate", name})
		require.NoError(t, err)
		assert.Equal(name, sub.Name())
	}

	assert.NotNil(cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(cmd.PersistentFlags().Lookup("store"))
}

func TestServe_InvalidConfig(t *testing.T) {
	_, err := execute(t, "serve", "--log-format", "xml")

	assertCode(t, err, "CONFIG_INVALID")
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("RUMMI_STORE", "")

	_, err := execute(t, "migrate", "up")

	assertCode(t, err, "CONFIG_INVALID")
}

func TestOpenBackend_Memory(t *testing.T) {
	cfg := config.Default()

	backend, closeFn, err := openBackend(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()

	assert.IsType(t, &session.MemoryStore{}, backend)
	assert.NoError(t, backend.Ping(context.Background()))
}

func TestOpenBackend_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Store = config.StoreRedis
	cfg.RedisAddr = mr.Addr()

	backend, closeFn, err := openBackend(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()

	assert.NoError(t, backend.Ping(context.Background()))
}

func TestOpenBackend_UnknownStore(t *testing.T) {
	cfg := config.Default()
	cfg.Store = "sqlite"

	_, _, err := openBackend(context.Background(), cfg)

	assertCode(t, err, "CONFIG_INVALID")
}

type flakyPinger struct {
	failures int
	calls    int
}

func (p *flakyPinger) Ping(context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestWaitForBackend_RetriesUntilReady(t *testing.T) {
	p := &flakyPinger{failures: 2}

	err := waitForBackend(context.Background(), p, retry.NewConstant(time.Millisecond))

	assert.NoError(t, err)
	assert.Equal(t, 3, p.calls)
}

func TestWaitForBackend_GivesUp(t *testing.T) {
	p := &flakyPinger{failures: 100}

	err := waitForBackend(context.Background(), p, retry.NewConstant(time.Millisecond))

	assertCode(t, err, "DB_CONNECT_FAILED")
	assert.Equal(t, pingAttempts, p.calls)
}
