// Package guard drives the Guard insurance portal with a persistent Chromium
// profile per session key.
package guard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"guard-automation/internal/automation"
	"guard-automation/internal/logging"
	"guard-automation/internal/models"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config holds portal endpoints, default credentials and browser settings.
type Config struct {
	LoginURL string
	BaseURL  string
	Username string
	Password string
	Headless bool
	// Timeout is the default per-action browser timeout.
	Timeout time.Duration
	Tracing bool
	// Install downloads browsers on first use.
	Install bool
	Logger  *slog.Logger
}

// Driver implements automation.Driver against the live portal.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

var _ automation.Driver = (*Driver)(nil)

// New builds a driver. Playwright starts lazily on the first run.
func New(cfg Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Driver{
		cfg:    cfg,
		logger: logging.OrDiscard(cfg.Logger).With("component", "guard"),
	}
}

func (d *Driver) ensurePlaywright() (*playwright.Playwright, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw != nil {
		return d.pw, nil
	}
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if d.cfg.Install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	d.pw = pw
	return pw, nil
}

// Run opens the session profile, records a trace and walks the portal.
func (d *Driver) Run(ctx context.Context, in models.Input, sess automation.Session) (models.Result, error) {
	pw, err := d.ensurePlaywright()
	if err != nil {
		return models.Result{}, err
	}
	log := d.logger.With("task_id", sess.TaskID, "session_key", sess.Key)

	headless := d.cfg.Headless
	bypass := true
	ignoreTLS := true
	ua := userAgent
	bctx, err := pw.Chromium.LaunchPersistentContext(sess.ProfileDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:          &headless,
		Args:              []string{"--disable-blink-features=AutomationControlled", "--no-sandbox"},
		Viewport:          &playwright.Size{Width: 1920, Height: 1080},
		UserAgent:         &ua,
		BypassCSP:         &bypass,
		IgnoreHttpsErrors: &ignoreTLS,
	})
	if err != nil {
		return models.Result{}, fmt.Errorf("launch browser: %w", err)
	}
	bctx.SetDefaultTimeout(millis(d.cfg.Timeout))

	var closeOnce sync.Once
	closeBrowser := func() {
		closeOnce.Do(func() {
			if err := bctx.Close(); err != nil {
				log.Warn("close browser", "error", err)
			}
		})
	}
	// A cancelled or timed out run must not keep the browser open.
	stop := context.AfterFunc(ctx, closeBrowser)
	defer func() {
		stop()
		closeBrowser()
	}()

	if d.cfg.Tracing && sess.TracePath != "" {
		on := true
		if err := bctx.Tracing().Start(playwright.TracingStartOptions{Screenshots: &on, Snapshots: &on, Sources: &on}); err != nil {
			log.Warn("start tracing", "error", err)
		} else {
			defer func() {
				if ctx.Err() != nil {
					return
				}
				if err := bctx.Tracing().Stop(sess.TracePath); err != nil {
					log.Warn("stop tracing", "error", err)
				}
			}()
		}
	}

	page, err := firstPage(bctx)
	if err != nil {
		return models.Result{}, err
	}

	f := &flow{
		page:     newPWPage(page),
		baseURL:  d.cfg.BaseURL,
		loginURL: d.cfg.LoginURL,
		creds:    d.credentials(in),
		shotDir:  sess.ScreenshotDir,
		log:      log,
	}
	res, err := f.run(ctx, in)
	if err != nil && ctx.Err() != nil {
		return models.Result{}, fmt.Errorf("run aborted: %w", ctx.Err())
	}
	return res, err
}

// Close stops the playwright driver process.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw == nil {
		return nil
	}
	err := d.pw.Stop()
	d.pw = nil
	return err
}

func (d *Driver) credentials(in models.Input) models.Credentials {
	if in.Credentials != nil && in.Credentials.Username != "" {
		return *in.Credentials
	}
	return models.Credentials{Username: d.cfg.Username, Password: d.cfg.Password}
}

// firstPage reuses the tab a persistent context opens with.
func firstPage(bctx playwright.BrowserContext) (playwright.Page, error) {
	if pages := bctx.Pages(); len(pages) > 0 {
		return pages[0], nil
	}
	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	return page, nil
}
