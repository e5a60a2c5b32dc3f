package playwright

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	pw "github.com/playwright-community/playwright-go"

	"github.com/formbridge/formbridge/internal/domain/driver"
)

// PerformPhase drives one configured phase script: optional navigation,
// fill every field that has a selector, submit, then classify the outcome
// from the resulting DOM.
//
// The playwright API is not context-aware, so the script runs in its own
// goroutine and ctx expiry is reported as a (transient) error while the
// goroutine winds down on its own page timeout.
func (d *Driver) PerformPhase(ctx context.Context, dh driver.Handle, phase string, fields map[string]string) (*driver.PhaseResult, error) {
	h, ok := d.lookup(dh.ID())
	if !ok {
		return nil, fmt.Errorf("unknown handle %s", dh.ID())
	}
	script, ok := d.cfg.Phases[phase]
	if !ok {
		return nil, fmt.Errorf("%w: no script for phase %q", driver.ErrPhaseFatal, phase)
	}

	if deadline, ok := ctx.Deadline(); ok {
		h.page.SetDefaultTimeout(float64(time.Until(deadline).Milliseconds()))
	}

	type outcome struct {
		res *driver.PhaseResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := d.runScript(h, script, fields)
		done <- outcome{res, err}
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("phase %s timed out: %w", phase, ctx.Err())
	case o := <-done:
		return o.res, o.err
	}
}

func (d *Driver) runScript(h *handle, script PhaseScript, fields map[string]string) (*driver.PhaseResult, error) {
	if script.Path != "" {
		url := strings.TrimSuffix(d.cfg.BaseURL, "/") + script.Path
		if _, err := h.page.Goto(url, pw.PageGotoOptions{
			WaitUntil: pw.WaitUntilStateNetworkidle,
		}); err != nil {
			return nil, fmt.Errorf("navigate to %s: %w", url, err)
		}
	}

	// Fill in deterministic order so failures are reproducible.
	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, mapped := d.cfg.Selectors[name]; mapped {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sel := d.cfg.Selectors[name]
		if err := h.page.Fill(sel, fields[name]); err != nil {
			return nil, fmt.Errorf("fill %s: %w", name, err)
		}
	}

	if script.Submit != "" {
		if err := h.page.Click(script.Submit); err != nil {
			return nil, fmt.Errorf("submit: %w", err)
		}
		if err := h.page.WaitForLoadState(pw.PageWaitForLoadStateOptions{
			State: pw.LoadStateNetworkidle,
		}); err != nil {
			return nil, fmt.Errorf("wait after submit: %w", err)
		}
	}

	if script.FatalSelector != "" {
		n, err := h.page.Locator(script.FatalSelector).Count()
		if err == nil && n > 0 {
			text, _ := h.page.Locator(script.FatalSelector).First().TextContent()
			return nil, fmt.Errorf("%w: %s", driver.ErrPhaseFatal, strings.TrimSpace(text))
		}
	}

	res := &driver.PhaseResult{}
	if script.ErrorSelector != "" {
		markers, err := h.page.QuerySelectorAll(script.ErrorSelector)
		if err != nil {
			return nil, fmt.Errorf("scan field errors: %w", err)
		}
		for _, el := range markers {
			name, err := el.GetAttribute("data-field")
			if err != nil || name == "" {
				continue
			}
			res.Missing = append(res.Missing, name)
		}
		sort.Strings(res.Missing)
	}
	if len(res.Missing) > 0 {
		return res, nil
	}

	for name, sel := range script.Extract {
		text, err := h.page.Locator(sel).First().TextContent()
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", name, err)
		}
		if res.Output == nil {
			res.Output = make(map[string]string)
		}
		res.Output[name] = strings.TrimSpace(text)
	}
	return res, nil
}

// AuthExpired reports whether the page currently shows the portal's
// logged-out signature.
func (d *Driver) AuthExpired(ctx context.Context, dh driver.Handle) bool {
	h, ok := d.lookup(dh.ID())
	if !ok || d.cfg.AuthExpiredSelector == "" {
		return false
	}
	done := make(chan bool, 1)
	go func() {
		n, err := h.page.Locator(d.cfg.AuthExpiredSelector).Count()
		done <- err == nil && n > 0
	}()
	select {
	case <-ctx.Done():
		// Unable to tell before the deadline; the liveness probe covers
		// the non-responsive case.
		return false
	case expired := <-done:
		return expired
	}
}

// Compile-time interface verification.
var _ driver.FormDriver = (*Driver)(nil)
