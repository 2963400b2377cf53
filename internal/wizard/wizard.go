// Package wizard provides an interactive setup wizard for tele-metroo.
package wizard

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/postalsys/tele-metroo/internal/config"
)

// ErrNoTTY is returned when the wizard runs without a terminal.
var ErrNoTTY = errors.New("setup wizard requires an interactive terminal")

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Padding(0, 1)

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Wizard manages the interactive setup process.
type Wizard struct {
	existing *config.Config
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{}
}

// SetExisting seeds the wizard with an existing config as defaults.
func (w *Wizard) SetExisting(cfg *config.Config) {
	w.existing = cfg
}

// Run executes the interactive setup and returns the resulting config.
func (w *Wizard) Run() (*config.Config, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, ErrNoTTY
	}

	fmt.Println(bannerStyle.Render("tele-metroo setup"))
	fmt.Println(hintStyle.Render("Configure the MTProto transport. Enter accepts the default."))
	fmt.Println()

	cfg := w.existing
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	var (
		dataDir   = cfg.Client.DataDir
		logLevel  = cfg.Client.LogLevel
		pfs       = cfg.PFS.Enabled
		expiry    = cfg.PFS.TempKeyExpiry.String()
		dcID      = "2"
		dcHost    = "149.154.167.50"
		dcPort    = "443"
		keyFile   string
		proxyAddr = cfg.Proxy.Address
		metrics   = cfg.Metrics.Listen
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Persistent auth keys and salts are stored here").
				Value(&dataDir),
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("debug", "debug"),
					huh.NewOption("info", "info"),
					huh.NewOption("warn", "warn"),
					huh.NewOption("error", "error"),
				).
				Value(&logLevel),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable perfect forward secrecy?").
				Description("Temporary keys are rebound periodically").
				Value(&pfs),
			huh.NewInput().
				Title("Temporary key lifetime").
				Description("Go duration, e.g. 1h").
				Value(&expiry).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("DC id").
				Value(&dcID).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n <= 0 {
						return fmt.Errorf("must be a positive integer")
					}
					return nil
				}),
			huh.NewInput().
				Title("DC host").
				Value(&dcHost),
			huh.NewInput().
				Title("DC port").
				Value(&dcPort).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n <= 0 || n > 65535 {
						return fmt.Errorf("must be a valid port")
					}
					return nil
				}),
			huh.NewInput().
				Title("RSA public key file").
				Description("PEM file holding the server public key").
				Value(&keyFile),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("SOCKS5 proxy").
				Description("host:port, empty for a direct connection").
				Value(&proxyAddr),
			huh.NewInput().
				Title("Metrics listen address").
				Description("e.g. 127.0.0.1:9090, empty to disable").
				Value(&metrics),
		),
	)

	if err := form.Run(); err != nil {
		return nil, err
	}

	cfg.Client.DataDir = dataDir
	cfg.Client.LogLevel = logLevel
	cfg.PFS.Enabled = pfs
	if d, err := time.ParseDuration(expiry); err == nil {
		cfg.PFS.TempKeyExpiry = d
	}
	cfg.Proxy.Address = proxyAddr
	cfg.Metrics.Listen = metrics

	id, _ := strconv.Atoi(dcID)
	port, _ := strconv.Atoi(dcPort)
	cfg.DCs = []config.DCConfig{{
		ID: int32(id),
		Endpoints: []config.EndpointConfig{
			{Host: dcHost, Port: port},
		},
	}}
	if keyFile != "" {
		cfg.RSAKeys = []config.RSAKeyConfig{{File: keyFile}}
	}

	return cfg, nil
}

// Save writes the config to the given path with restrictive permissions.
func Save(cfg *config.Config, path string) error {
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
