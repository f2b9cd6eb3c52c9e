package guard

import (
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Page is the part of a browser tab the portal flow drives.
type Page interface {
	Goto(url string) error
	URL() string
	Fill(selector, value string) error
	Click(selector string) error
	Check(selector string) error
	SelectValue(selector, value string) error
	SelectLabel(selector, label string) error
	Exists(selector string) (bool, error)
	WaitAttached(selector string, timeout time.Duration) error
	WaitVisible(selector string, timeout time.Duration) error
	WaitForURL(pattern string, timeout time.Duration) error
	WaitLoaded(timeout time.Duration) error
	Screenshot(path string) error
}

// pwPage adapts a playwright page.
type pwPage struct {
	page playwright.Page
}

func newPWPage(p playwright.Page) *pwPage {
	return &pwPage{page: p}
}

func (p *pwPage) Goto(url string) error {
	waitUntil := playwright.WaitUntilState("domcontentloaded")
	if _, err := p.page.Goto(url, playwright.PageGotoOptions{WaitUntil: &waitUntil}); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (p *pwPage) URL() string {
	return p.page.URL()
}

func (p *pwPage) Fill(selector, value string) error {
	if err := p.page.Fill(selector, value); err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (p *pwPage) Click(selector string) error {
	if err := p.page.Click(selector); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (p *pwPage) Check(selector string) error {
	force := true
	if err := p.page.Check(selector, playwright.PageCheckOptions{Force: &force}); err != nil {
		return fmt.Errorf("check %s: %w", selector, err)
	}
	return nil
}

func (p *pwPage) SelectValue(selector, value string) error {
	if _, err := p.page.SelectOption(selector, playwright.SelectOptionValues{Values: &[]string{value}}); err != nil {
		return fmt.Errorf("select %s=%s: %w", selector, value, err)
	}
	return nil
}

func (p *pwPage) SelectLabel(selector, label string) error {
	if _, err := p.page.SelectOption(selector, playwright.SelectOptionValues{Labels: &[]string{label}}); err != nil {
		return fmt.Errorf("select %s label %q: %w", selector, label, err)
	}
	return nil
}

func (p *pwPage) Exists(selector string) (bool, error) {
	el, err := p.page.QuerySelector(selector)
	if err != nil {
		return false, fmt.Errorf("query %s: %w", selector, err)
	}
	return el != nil, nil
}

func (p *pwPage) WaitAttached(selector string, timeout time.Duration) error {
	return p.waitFor(selector, "attached", timeout)
}

func (p *pwPage) WaitVisible(selector string, timeout time.Duration) error {
	return p.waitFor(selector, "visible", timeout)
}

func (p *pwPage) waitFor(selector, state string, timeout time.Duration) error {
	st := playwright.WaitForSelectorState(state)
	ms := millis(timeout)
	if _, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{State: &st, Timeout: &ms}); err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	return nil
}

func (p *pwPage) WaitForURL(pattern string, timeout time.Duration) error {
	ms := millis(timeout)
	if err := p.page.WaitForURL(pattern, playwright.PageWaitForURLOptions{Timeout: &ms}); err != nil {
		return fmt.Errorf("wait for url %s: %w", pattern, err)
	}
	return nil
}

func (p *pwPage) WaitLoaded(timeout time.Duration) error {
	st := playwright.LoadState("domcontentloaded")
	ms := millis(timeout)
	return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{State: &st, Timeout: &ms})
}

func (p *pwPage) Screenshot(path string) error {
	full := true
	if _, err := p.page.Screenshot(playwright.PageScreenshotOptions{Path: &path, FullPage: &full}); err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}
	return nil
}

func millis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
