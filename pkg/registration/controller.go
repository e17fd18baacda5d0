// Package registration drives the account registration lifecycle against
// the remote signaling server: initialise, authenticate, register,
// refresh and tear-down. Any failure during registration or refresh
// cascades into a best-effort deinitialise so the engine is never left
// half-registered.
package registration

import (
	"sync"

	"github.com/sirupsen/logrus"

	"sipkit-server/pkg/engine"
	"sipkit-server/pkg/errors"
	"sipkit-server/pkg/metrics"
)

// Status is the account-level connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// Config carries the transport, logging, media-layer and licensing
// parameters applied at initialisation.
type Config struct {
	Transport        engine.Transport
	LocalAddr        string
	LocalPort        int
	LogLevel         engine.LogLevel
	LogPath          string
	MaxLogFileLines  int
	AgentString      string
	AudioDeviceLayer engine.DeviceLayer
	VideoDeviceLayer engine.DeviceLayer
	LicenseKey       string
	SRTPPolicy       engine.SRTPPolicy
}

// Account carries the credentials and server addresses pushed to the
// engine by Authenticate.
type Account struct {
	UserName    string
	DisplayName string
	AuthName    string
	Password    string

	UserDomain string

	LocalAddr string
	LocalPort int

	ServerAddr string
	ServerPort int

	STUNAddr string
	STUNPort int

	OutboundAddr string
	OutboundPort int
}

// Controller serializes all account-level state transitions. It is
// independent of the per-session locking: it protects a distinct piece
// of shared state.
type Controller struct {
	logger *logrus.Logger
	engine engine.Engine

	mu          sync.Mutex
	initialised bool
	registered  bool
	status      Status
	account     *Account
}

// NewController creates a registration controller over the given engine.
func NewController(logger *logrus.Logger, eng engine.Engine) *Controller {
	return &Controller{
		logger: logger,
		engine: eng,
		status: StatusDisconnected,
	}
}

// Initialize configures transport, logging and device-layer parameters
// and validates the license key with the engine. It is an idempotent
// no-op when already initialised. On license failure the
// partially-initialised engine is torn down before the error propagates.
func (c *Controller) Initialize(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialised {
		c.logger.Debug("Engine already initialised, ignoring")
		return nil
	}

	code := c.engine.Initialize(engine.InitConfig{
		Transport:        cfg.Transport,
		LocalAddr:        cfg.LocalAddr,
		LocalPort:        cfg.LocalPort,
		LogLevel:         cfg.LogLevel,
		LogPath:          cfg.LogPath,
		MaxLogFileLines:  cfg.MaxLogFileLines,
		AgentString:      cfg.AgentString,
		AudioDeviceLayer: cfg.AudioDeviceLayer,
		VideoDeviceLayer: cfg.VideoDeviceLayer,
	})
	if code != 0 {
		metrics.RecordEngineFailure("initialize")
		return errors.NewInitializationError(code, "initialize rejected")
	}

	if code := c.engine.SetLicenseKey(cfg.LicenseKey); code != 0 {
		// No half-initialised engine is left behind.
		c.engine.Uninitialize()
		metrics.RecordEngineFailure("setLicenseKey")
		return errors.NewInitializationError(code, "license key rejected")
	}

	if code := c.engine.SetSRTPPolicy(cfg.SRTPPolicy); code != 0 {
		c.engine.Uninitialize()
		metrics.RecordEngineFailure("setSrtpPolicy")
		return errors.NewInitializationError(code, "srtp policy rejected")
	}

	c.initialised = true
	c.logger.WithFields(logrus.Fields{
		"transport": cfg.Transport.String(),
		"agent":     cfg.AgentString,
	}).Info("Engine initialised")
	return nil
}

// Deinitialize tears the engine down. Safe to call at any time.
func (c *Controller) Deinitialize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Controller) teardownLocked() {
	if c.initialised {
		c.engine.Uninitialize()
	}
	c.initialised = false
	c.registered = false
	c.setStatusLocked(StatusDisconnected)
}

// Authenticate pushes credentials and server addresses to the engine.
func (c *Controller) Authenticate(account Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialised {
		return errors.NewNotInitialised("authenticate")
	}

	code := c.engine.SetUser(engine.UserConfig{
		UserName:     account.UserName,
		DisplayName:  account.DisplayName,
		AuthName:     account.AuthName,
		Password:     account.Password,
		UserDomain:   account.UserDomain,
		LocalAddr:    account.LocalAddr,
		LocalPort:    account.LocalPort,
		ServerAddr:   account.ServerAddr,
		ServerPort:   account.ServerPort,
		STUNAddr:     account.STUNAddr,
		STUNPort:     account.STUNPort,
		OutboundAddr: account.OutboundAddr,
		OutboundPort: account.OutboundPort,
	})
	if code != 0 {
		metrics.RecordEngineFailure("setUser")
		return errors.NewAuthenticationFailed(code)
	}

	c.account = &account
	c.logger.WithFields(logrus.Fields{
		"user":   account.UserName,
		"server": account.ServerAddr,
	}).Info("Account credentials applied")
	return nil
}

// Register starts a registration exchange with the remote server. The
// controller transitions to connecting; the connected transition happens
// when the engine reports success through HandleRegisterSuccess. A
// synchronous engine rejection tears the engine down and surfaces the
// engine's code.
func (c *Controller) Register(expiresSeconds, retryCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialised {
		return errors.NewNotInitialised("register")
	}

	c.setStatusLocked(StatusConnecting)

	if code := c.engine.RegisterServer(expiresSeconds, retryCount); code != 0 {
		c.logger.WithField("engine_code", code).Error("Register command rejected, tearing engine down")
		metrics.RecordEngineFailure("registerServer")
		metrics.RecordRegistrationFailure()
		c.teardownLocked()
		return errors.NewRegistrationFailed(code, "")
	}

	c.logger.WithFields(logrus.Fields{
		"expires": expiresSeconds,
		"retries": retryCount,
	}).Info("Registration started")
	return nil
}

// Unregister tears the registration down. The controller always ends up
// disconnected, but a failing engine call still surfaces its code.
func (c *Controller) Unregister() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusConnecting || c.status == StatusConnected {
		c.setStatusLocked(StatusDisconnecting)
	}

	code := c.engine.UnregisterServer()
	c.registered = false
	c.setStatusLocked(StatusDisconnected)

	if code != 0 {
		metrics.RecordEngineFailure("unRegisterServer")
		return errors.NewAPICallFailed("unRegisterServer", code)
	}

	c.logger.Info("Unregistered")
	return nil
}

// RefreshInterval re-issues the registration refresh timer. A failure
// mirrors Register's failure policy: the engine is torn down and the
// engine's code is surfaced.
func (c *Controller) RefreshInterval(seconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialised {
		return errors.NewNotInitialised("refreshRegisterServer")
	}

	if code := c.engine.RefreshRegistration(seconds); code != 0 {
		c.logger.WithField("engine_code", code).Error("Registration refresh failed, tearing engine down")
		metrics.RecordEngineFailure("refreshRegisterServer")
		metrics.RecordRegistrationFailure()
		c.teardownLocked()
		return errors.NewAPICallFailed("refreshRegisterServer", code)
	}
	return nil
}

// HandleRegisterSuccess is invoked by the event dispatcher when the
// engine reports a successful registration exchange.
func (c *Controller) HandleRegisterSuccess(statusText string, statusCode int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registered = true
	c.setStatusLocked(StatusConnected)
	c.logger.WithFields(logrus.Fields{
		"status_text": statusText,
		"status_code": statusCode,
	}).Info("Registered")
}

// HandleRegisterFailure is invoked by the event dispatcher when the
// engine reports a failed registration exchange. The cascade teardown is
// best-effort; its own failure is not escalated.
func (c *Controller) HandleRegisterFailure(statusText string, statusCode int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"status_text": statusText,
		"status_code": statusCode,
	}).Error("Registration failed, tearing engine down")
	metrics.RecordRegistrationFailure()
	c.teardownLocked()
}

// IsInitialised reports whether the engine is initialised.
func (c *Controller) IsInitialised() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialised
}

// IsRegistered is true only strictly between a successful register and
// any subsequent unregister, failure or deinitialise.
func (c *Controller) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Status returns the account-level connection state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Account returns the last authenticated account, or nil.
func (c *Controller) Account() *Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

func (c *Controller) setStatusLocked(status Status) {
	c.status = status
	metrics.SetRegistrationState(int(status))
}
