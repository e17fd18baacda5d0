package registration

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipkit-server/pkg/engine"
	"sipkit-server/pkg/engine/enginetest"
	"sipkit-server/pkg/errors"
)

func newTestController() (*Controller, *enginetest.FakeEngine) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	eng := enginetest.New()
	return NewController(logger, eng), eng
}

func testConfig() Config {
	return Config{
		Transport:   engine.TransportUDP,
		LocalAddr:   "0.0.0.0",
		LocalPort:   5060,
		AgentString: "sipkit",
		LicenseKey:  "test-key",
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	c, eng := newTestController()

	require.NoError(t, c.Initialize(testConfig()))
	require.NoError(t, c.Initialize(testConfig()))

	// Only one initialize command reached the engine.
	var count int
	for _, cmd := range eng.Commands() {
		if cmd == "initialize(udp)" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.True(t, c.IsInitialised())
}

func TestInitializeLicenseFailureTearsDown(t *testing.T) {
	c, eng := newTestController()
	eng.FailWith("setLicenseKey", -60008)

	err := c.Initialize(testConfig())
	require.Error(t, err)

	code, ok := errors.EngineCode(err)
	require.True(t, ok)
	assert.Equal(t, int32(-60008), code)

	assert.False(t, c.IsInitialised())
	assert.False(t, eng.IsInitialized(), "partially-initialised engine must be torn down")
}

func TestRegisterBeforeInitialize(t *testing.T) {
	c, _ := newTestController()

	err := c.Register(3600, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotInitialised)
	assert.False(t, c.IsRegistered())
}

func TestRegisterSuccessFlow(t *testing.T) {
	c, _ := newTestController()

	require.NoError(t, c.Initialize(testConfig()))
	require.NoError(t, c.Authenticate(Account{UserName: "alice", ServerAddr: "sip.example.com", ServerPort: 5060}))
	require.NoError(t, c.Register(3600, 3))

	assert.Equal(t, StatusConnecting, c.Status())
	assert.False(t, c.IsRegistered(), "not registered until the engine confirms")

	c.HandleRegisterSuccess("OK", 200)
	assert.Equal(t, StatusConnected, c.Status())
	assert.True(t, c.IsRegistered())
}

func TestRegisterCommandFailureCascades(t *testing.T) {
	c, eng := newTestController()
	eng.FailWith("registerServer", -2)

	require.NoError(t, c.Initialize(testConfig()))
	err := c.Register(3600, 3)
	require.Error(t, err)

	code, ok := errors.EngineCode(err)
	require.True(t, ok)
	assert.Equal(t, int32(-2), code)

	// Cascade teardown: never half-registered.
	assert.False(t, c.IsInitialised())
	assert.False(t, c.IsRegistered())
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestAsyncRegisterFailureCascades(t *testing.T) {
	c, eng := newTestController()

	require.NoError(t, c.Initialize(testConfig()))
	require.NoError(t, c.Register(3600, 3))

	c.HandleRegisterFailure("Forbidden", 403)

	assert.False(t, c.IsInitialised())
	assert.False(t, c.IsRegistered())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, eng.IsInitialized())
}

func TestUnregisterAlwaysDisconnects(t *testing.T) {
	c, eng := newTestController()
	eng.FailWith("unRegisterServer", -7)

	require.NoError(t, c.Initialize(testConfig()))
	require.NoError(t, c.Register(3600, 3))
	c.HandleRegisterSuccess("OK", 200)

	err := c.Unregister()
	require.Error(t, err, "engine code still surfaced")

	code, ok := errors.EngineCode(err)
	require.True(t, ok)
	assert.Equal(t, int32(-7), code)

	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsRegistered())
}

func TestRefreshFailureMirrorsRegisterPolicy(t *testing.T) {
	c, eng := newTestController()
	eng.FailWith("refreshRegisterServer", -9)

	require.NoError(t, c.Initialize(testConfig()))
	require.NoError(t, c.Register(3600, 3))
	c.HandleRegisterSuccess("OK", 200)

	err := c.RefreshInterval(1800)
	require.Error(t, err)

	assert.False(t, c.IsInitialised())
	assert.False(t, c.IsRegistered())
}

func TestAuthenticateRequiresInitialize(t *testing.T) {
	c, _ := newTestController()

	err := c.Authenticate(Account{UserName: "bob"})
	assert.ErrorIs(t, err, errors.ErrNotInitialised)
}
