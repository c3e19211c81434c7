package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
)

// Default identifiers of the tethered nRF52840 bots (Seeed XIAO BLE Sense)
const (
	VendorID  = 0x2886
	ProductID = 0x8045
)

// Frame formats streamed by the bots
const (
	FormatPCM16 = "pcm16"
	FormatPDM   = "pdm"
)

// USBConfig configures the USB source
type USBConfig struct {
	VendorID             uint16
	ProductID            uint16
	Endpoint             int    // Bulk IN endpoint number
	BlockSize            int    // Bytes read per bot per round
	Format               string // pcm16 or pdm
	SampleRate           int
	ReadTimeout          time.Duration
	MaxConsecutiveErrors int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	CalibrationOffsetDB  float64
}

// DefaultUSBConfig returns defaults for the bot firmware: 800 samples of
// 16 kHz S16_LE per capture.
func DefaultUSBConfig() USBConfig {
	return USBConfig{
		VendorID:             VendorID,
		ProductID:            ProductID,
		Endpoint:             1,
		BlockSize:            1600,
		Format:               FormatPCM16,
		SampleRate:           16000,
		ReadTimeout:          500 * time.Millisecond,
		MaxConsecutiveErrors: 5,
		InitialBackoff:       100 * time.Millisecond,
		MaxBackoff:           5 * time.Second,
		CalibrationOffsetDB:  DefaultCalibrationOffsetDB,
	}
}

// usbBot is an opened bot device and its layout entry
type usbBot struct {
	bot  Bot
	dev  *gousb.Device
	intf *gousb.Interface
	done func()
	ep   *gousb.InEndpoint
}

func (b *usbBot) close() {
	if b.done != nil {
		b.done()
	}
	if b.dev != nil {
		b.dev.Close()
	}
}

// USBSource reads audio blocks from bots tethered over USB. Devices are
// matched to the configured layout by serial number.
type USBSource struct {
	cfg    USBConfig
	layout map[string]Bot // serial → bot
	logger *slog.Logger

	mu     sync.Mutex
	ctx    *gousb.Context
	bots   []*usbBot
	closed bool

	// Health tracking
	healthy           bool
	consecutiveErrors int
	lastError         error
	lastErrorTime     time.Time

	// Reconnection
	reconnectBackoff time.Duration
}

// NewUSBSource opens every configured bot that is attached
func NewUSBSource(cfg USBConfig, bots []Bot, logger *slog.Logger) (*USBSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("usb block size must be positive, got %d", cfg.BlockSize)
	}

	layout := make(map[string]Bot, len(bots))
	for _, b := range bots {
		if b.Serial == "" {
			continue
		}
		layout[b.Serial] = b
	}
	if len(layout) == 0 {
		return nil, errors.New("no bots with a USB serial configured")
	}

	source := &USBSource{
		cfg:              cfg,
		layout:           layout,
		logger:           logger,
		healthy:          true,
		reconnectBackoff: cfg.InitialBackoff,
	}

	source.ctx = gousb.NewContext()

	if err := source.openDevices(); err != nil {
		source.ctx.Close()
		return nil, err
	}

	logger.Info("USB capture source initialized",
		"vendor_id", fmt.Sprintf("0x%04X", cfg.VendorID),
		"product_id", fmt.Sprintf("0x%04X", cfg.ProductID),
		"bots", len(source.bots),
	)

	return source, nil
}

func (u *USBSource) openDevices() error {
	devs, err := u.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(u.cfg.VendorID) && desc.Product == gousb.ID(u.cfg.ProductID)
	})
	if err != nil && len(devs) == 0 {
		return fmt.Errorf("failed to enumerate bots: %w", err)
	}

	var opened []*usbBot
	for _, dev := range devs {
		b, err := u.openBot(dev)
		if err != nil {
			u.logger.Debug("skipping USB device", "error", err)
			dev.Close()
			continue
		}
		opened = append(opened, b)
	}

	if len(opened) < 3 {
		for _, b := range opened {
			b.close()
		}
		return fmt.Errorf("found %d configured bots (VID=0x%04X PID=0x%04X), need at least 3",
			len(opened), u.cfg.VendorID, u.cfg.ProductID)
	}

	u.bots = opened
	u.healthy = true
	u.consecutiveErrors = 0
	return nil
}

func (u *USBSource) openBot(dev *gousb.Device) (*usbBot, error) {
	serial, err := dev.SerialNumber()
	if err != nil {
		return nil, fmt.Errorf("read serial: %w", err)
	}

	bot, ok := u.layout[serial]
	if !ok {
		return nil, fmt.Errorf("serial %q not in layout", serial)
	}

	// Auto-detach kernel driver if attached
	if err := dev.SetAutoDetach(true); err != nil {
		u.logger.Debug("SetAutoDetach failed (non-fatal)", "error", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		return nil, fmt.Errorf("claim interface on %s: %w", bot.ID, err)
	}

	ep, err := intf.InEndpoint(u.cfg.Endpoint)
	if err != nil {
		done()
		return nil, fmt.Errorf("open endpoint %d on %s: %w", u.cfg.Endpoint, bot.ID, err)
	}

	return &usbBot{bot: bot, dev: dev, intf: intf, done: done, ep: ep}, nil
}

// Capture reads one block from every bot
func (u *USBSource) Capture(ctx context.Context) (Round, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return Round{}, errors.New("device closed")
	}

	// Check if we need to reconnect
	if len(u.bots) == 0 {
		if err := u.reconnect(ctx); err != nil {
			return Round{}, err
		}
	}

	frames := make([]Frame, 0, len(u.bots))
	buf := make([]byte, u.cfg.BlockSize)

	for _, b := range u.bots {
		readCtx, cancel := context.WithTimeout(ctx, u.cfg.ReadTimeout)
		n, err := b.ep.ReadContext(readCtx, buf)
		cancel()

		if err != nil {
			u.recordError(err)
			return Round{}, fmt.Errorf("read from %s: %w", b.bot.ID, err)
		}

		samples, err := u.decode(buf[:n])
		if err != nil {
			u.recordError(err)
			return Round{}, fmt.Errorf("decode from %s: %w", b.bot.ID, err)
		}

		frames = append(frames, Frame{
			BotID:         b.bot.ID,
			Position:      b.bot.Position(),
			Samples:       samples,
			SampleRate:    u.cfg.SampleRate,
			CalibrationDB: u.cfg.CalibrationOffsetDB + b.bot.CalibrationDB,
		})
	}

	u.recordSuccess()

	return Round{Frames: frames, Timestamp: time.Now()}, nil
}

func (u *USBSource) decode(data []byte) ([]float64, error) {
	switch u.cfg.Format {
	case FormatPDM:
		return acoustic.PDMToPCM(data), nil
	default:
		channels, err := acoustic.PCM16ToFloat(data, 1)
		if err != nil {
			return nil, err
		}
		return channels[0], nil
	}
}

func (u *USBSource) recordError(err error) {
	u.consecutiveErrors++
	u.lastError = err
	u.lastErrorTime = time.Now()

	if u.consecutiveErrors >= u.cfg.MaxConsecutiveErrors {
		u.healthy = false
		u.logger.Warn("USB source marked unhealthy, will attempt reconnect",
			"consecutive_errors", u.consecutiveErrors,
			"last_error", err,
		)

		// Close devices to force reconnect on next call
		u.closeBots()
	}
}

func (u *USBSource) recordSuccess() {
	if u.consecutiveErrors > 0 {
		u.logger.Info("USB source recovered",
			"previous_errors", u.consecutiveErrors,
		)
	}
	u.consecutiveErrors = 0
	u.healthy = true
	u.reconnectBackoff = u.cfg.InitialBackoff
}

// reconnect is called with u.mu held. The lock is released for the
// backoff so Healthy and Stats stay responsive.
func (u *USBSource) reconnect(ctx context.Context) error {
	backoff := u.reconnectBackoff
	u.logger.Info("attempting USB reconnect",
		"backoff", backoff,
	)

	u.mu.Unlock()
	err := sleepContext(ctx, backoff)
	u.mu.Lock()

	if err != nil {
		return err
	}
	if u.closed {
		return errors.New("device closed")
	}

	u.reconnectBackoff = nextBackoff(u.reconnectBackoff, u.cfg.MaxBackoff)

	if err := u.openDevices(); err != nil {
		u.logger.Warn("USB reconnect failed", "error", err)
		return err
	}

	u.logger.Info("USB reconnect successful", "bots", len(u.bots))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// nextBackoff doubles d up to limit
func nextBackoff(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}

func (u *USBSource) closeBots() {
	for _, b := range u.bots {
		b.close()
	}
	u.bots = nil
}

// Close releases the USB devices
func (u *USBSource) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}

	u.closed = true
	u.closeBots()

	if u.ctx != nil {
		u.ctx.Close()
		u.ctx = nil
	}

	u.logger.Info("USB source closed")

	return nil
}

// Healthy returns true if the source is operational
func (u *USBSource) Healthy() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.healthy
}

// Name returns the source type name
func (u *USBSource) Name() string {
	return KindUSB
}

// Stats returns USB source statistics
func (u *USBSource) Stats() USBStats {
	u.mu.Lock()
	defer u.mu.Unlock()

	var lastErr string
	if u.lastError != nil {
		lastErr = u.lastError.Error()
	}

	return USBStats{
		Healthy:           u.healthy,
		ConsecutiveErrors: u.consecutiveErrors,
		LastError:         lastErr,
		LastErrorTime:     u.lastErrorTime,
		BotsConnected:     len(u.bots),
	}
}

// USBStats contains USB source statistics
type USBStats struct {
	Healthy           bool      `json:"healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorTime     time.Time `json:"last_error_time,omitempty"`
	BotsConnected     int       `json:"bots_connected"`
}
