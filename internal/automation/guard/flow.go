package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"guard-automation/internal/automation"
	"guard-automation/internal/models"
)

const (
	accountFormPath = "/dotnet/mvc/uw/ezrate/asc_prerate/home/Index"
	quotationPath   = "/dotnet/mvc/uw/EZRate/EZR_AddNewProspectShell/Home/Index"

	usernameInput = `input[name="Username"]`
	passwordInput = `input[name="Password"]`
	loginButton   = `button:has-text("LOGIN"), input[type="submit"][value="LOGIN"]`
)

var errNoCredentials = errors.New("portal credentials are not configured")

// flow walks the portal for one task on an already open page.
type flow struct {
	page     Page
	baseURL  string
	loginURL string
	creds    models.Credentials
	shotDir  string
	shots    int
	log      *slog.Logger
}

func (f *flow) run(ctx context.Context, in models.Input) (models.Result, error) {
	if err := f.login(ctx); err != nil {
		return models.Result{}, err
	}

	code := in.PolicyCode
	if in.CreateAccount {
		created, err := f.createAccount(ctx, in.Account)
		if err != nil {
			return models.Result{}, err
		}
		code = created
	} else if err := f.openQuotation(ctx, code); err != nil {
		return models.Result{}, err
	}

	panels, err := f.fillQuote(ctx, in.Quote)
	if err != nil {
		return models.Result{}, err
	}
	return models.Result{
		PolicyCode:      code,
		QuotationURL:    f.quotationURL(code),
		Message:         fmt.Sprintf("quote details submitted across %d panels", panels),
		PanelsProcessed: panels,
	}, nil
}

func (f *flow) login(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.page.Goto(f.loginURL); err != nil {
		return err
	}
	f.shot("login_page")

	if !strings.Contains(f.page.URL(), "/auth") {
		f.log.Info("session already authenticated", "url", f.page.URL())
		return nil
	}
	if f.creds.Username == "" || f.creds.Password == "" {
		return errNoCredentials
	}

	if err := f.page.WaitVisible(usernameInput, 10*time.Second); err != nil {
		return err
	}
	if err := f.page.Fill(usernameInput, f.creds.Username); err != nil {
		return err
	}
	if err := f.page.Fill(passwordInput, f.creds.Password); err != nil {
		return err
	}
	f.shot("credentials_filled")
	if err := f.page.Click(loginButton); err != nil {
		return err
	}
	if err := f.page.WaitLoaded(15 * time.Second); err != nil {
		f.log.Warn("post-login load wait", "error", err)
	}

	current := f.page.URL()
	f.shot("after_login")
	switch {
	case strings.Contains(current, "/verify") || strings.Contains(strings.ToLower(current), "verification"):
		return automation.Expected("2FA verification required")
	case strings.Contains(current, "/auth"):
		return automation.Expected("login rejected by portal")
	}
	f.log.Info("logged in", "url", current)
	return nil
}

func (f *flow) openQuotation(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.page.Goto(f.quotationURL(code)); err != nil {
		return err
	}
	f.shot("quotation_page")
	current := strings.ToLower(f.page.URL())
	if strings.Contains(current, "mvcerrorpage") {
		return automation.Expected("invalid policy code %s", code)
	}
	if strings.Contains(current, "/auth") {
		return automation.Expected("session expired before quotation page")
	}
	return nil
}

func (f *flow) quotationURL(code string) string {
	return f.baseURL + quotationPath + "?MGACODE=" + url.QueryEscape(code)
}

// shot saves a numbered full-page screenshot. Failures are logged only.
func (f *flow) shot(name string) {
	if f.shotDir == "" {
		return
	}
	f.shots++
	path := filepath.Join(f.shotDir, fmt.Sprintf("%02d_%s.png", f.shots, name))
	if err := f.page.Screenshot(path); err != nil {
		f.log.Warn("screenshot failed", "name", name, "error", err)
	}
}

// firstPresent returns the first selector that matches an element.
func (f *flow) firstPresent(selectors []string) (string, bool) {
	for _, sel := range selectors {
		ok, err := f.page.Exists(sel)
		if err == nil && ok {
			return sel, true
		}
	}
	return "", false
}
