package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"guard-automation/internal/models"
)

// maxPanels bounds the quote wizard walk.
const maxPanels = 15

const (
	defaultEmployees        = "10"
	defaultDamageToPremises = "100000"
)

var nextButtons = []string{
	`button[name="next_btn"]`,
	`button[id="next_btn"]`,
	`button.FSbutton-Next`,
	`button:has-text("NEXT")`,
	`input[type="button"][value="NEXT"]`,
}

type actionKind int

const (
	actFill actionKind = iota
	actClick
	actSelectValue
	actSelectLabel
)

// action fills or clicks the first matching selector. Optional actions are
// skipped when no selector matches.
type action struct {
	name      string
	kind      actionKind
	selectors []string
	value     func(q models.QuoteData) string
	optional  bool
}

type panel struct {
	name    string
	detect  string
	actions []action
	// next overrides the shared next-button selectors.
	next []string
	last bool
}

func constant(v string) func(models.QuoteData) string {
	return func(models.QuoteData) string { return v }
}

// quotePanels lists the wizard panels the flow knows how to fill. Any other
// panel is advanced with its next button.
var quotePanels = []panel{
	{
		name:   "location_addresses",
		detect: `a[id="pickme_lnk"]`,
		actions: []action{
			{name: "pick previous location", kind: actClick, selectors: []string{`a[id="pickme_lnk"]`}},
			{name: "verify address", kind: actClick, selectors: []string{`button[id="verify_Btn"]`}, optional: true},
			{name: "save location", kind: actClick, selectors: []string{`button[id="add_button"]`}, optional: true},
		},
		next: append([]string{`button:has-text("done adding")`}, nextButtons...),
	},
	{
		name:   "policy_information",
		detect: `#ProductID`,
		actions: []action{
			{name: "product", kind: actSelectLabel, selectors: []string{`#ProductID`}, value: constant("Retail BOP")},
		},
	},
	{
		name:   "liability_limits",
		detect: `input[id*="annualrevenue"], input[name="bop_annualrevenue"]`,
		actions: []action{
			{name: "annual sales", kind: actFill, selectors: []string{`input[id*="annualrevenue"]`, `input[name="bop_annualrevenue"]`}, value: func(q models.QuoteData) string { return q.CombinedSales }},
			{name: "employees", kind: actFill, selectors: []string{`input[id*="employees"]`, `input[name="bop_employees"]`}, value: constant(defaultEmployees), optional: true},
			{name: "no hired auto", kind: actClick, selectors: []string{`input[id*="nonownedauto"][value="N"]`, `input[name*="nonownedauto"][value="N"]`}, optional: true},
		},
	},
	{
		name:   "policy_coverages",
		detect: `input[name*="ptentir_limit"], input[id*="ptentir_limit"]`,
		actions: []action{
			{name: "damage to premises", kind: actFill, selectors: []string{`input[name*="ptentir_limit"]`, `input[id*="ptentir_limit"]`}, value: constant(defaultDamageToPremises)},
		},
	},
	{
		name:   "location_information",
		detect: `input[name*="bplocation_watersource"], select[name*="bplocation_firestation"]`,
		actions: []action{
			{name: "fire hydrant", kind: actClick, selectors: []string{`input[name*="bplocation_watersource"][value="Y"]`, `input[id*="watersource"][value="Y"]`}, optional: true},
			{name: "fire station", kind: actSelectValue, selectors: []string{`select[name*="bplocation_firestation"]`, `select[id*="firestation"]`}, value: constant("X"), optional: true},
			{name: "years at location", kind: actSelectValue, selectors: []string{`select[name="bplocation_yearsinbusiness"]`, `select[name*="yearsinbusiness"]`}, value: constant("0"), optional: true},
		},
	},
	{
		name:   "windstorm_hail",
		detect: `input[name="bplocationdeductibles_separatewindpolicy"], input[name="bplocationdeductibles_windhail_excl"]`,
		actions: []action{
			{name: "no separate wind policy", kind: actClick, selectors: []string{`input[name="bplocationdeductibles_separatewindpolicy"][value="0"]`, `input[id="bplocationdeductibles_separatewindpolicy_radio_0"]`}, optional: true},
			{name: "keep wind coverage", kind: actClick, selectors: []string{`input[name="bplocationdeductibles_windhail_excl"][value="0"]`, `input[id="bplocationdeductibles_windhail_excl_radio_0"]`}, optional: true},
		},
	},
	{
		name:   "building_information",
		detect: `input[name="YearBuilt"], select[name="OccupancyType"]`,
		actions: []action{
			{name: "occupancy", kind: actSelectValue, selectors: []string{`select[name="OccupancyType"]`, `select#Occupancy`}, value: constant("OM"), optional: true},
			{name: "standalone building", kind: actClick, selectors: []string{`input[id="OccupancyType_radio_STANDALONE"]`, `input[value="STANDALONE"][type="radio"]`}, optional: true},
			{name: "gallons of gasoline", kind: actFill, selectors: []string{`input[name="gallonsOfGasoline"]`, `input[id="gallonsOfGasoline"]`}, value: func(q models.QuoteData) string { return q.GasGallons }, optional: true},
			{name: "year built", kind: actFill, selectors: []string{`input[name="YearBuilt"]`, `input[id="YearBuilt"]`}, value: func(q models.QuoteData) string { return q.YearBuilt }},
			{name: "square footage", kind: actFill, selectors: []string{`input[name="SquareFootage"]`, `input[id="SquareFootage"]`}, value: func(q models.QuoteData) string { return q.SquareFootage }},
			{name: "pumps not open 24h", kind: actClick, selectors: []string{`input[name="gasPumps24Hours"][value="False"]`, `input[id="gasPumps24Hours_radio_False"]`}, optional: true},
		},
	},
	{
		name:   "class_specific",
		detect: `input[name="conveniencestore_bld_cvg_radio"], input[name="conveniencestore_vacancy"], input[name="conveniencestore_gaspumps"]`,
		actions: []action{
			{name: "no building coverage", kind: actClick, selectors: []string{`input[name="conveniencestore_bld_cvg_radio"][value="N"]`, `input[id="conveniencestore_bld_cvg_radio_N"]`}, optional: true},
			{name: "gas pumps", kind: actFill, selectors: []string{`input[name="conveniencestore_gaspumps"]`, `input[id="conveniencestore_gaspumps"]`}, value: func(q models.QuoteData) string { return q.MPDs }},
			{name: "gas sales", kind: actFill, selectors: []string{`input[name="conveniencestore_gassales"]`, `input[id="conveniencestore_gassales"]`}, value: func(q models.QuoteData) string { return q.GasGallons }, optional: true},
			{name: "store receipts", kind: actFill, selectors: []string{`input[name="conveniencestore_gaspumps_2"]`, `input[id="conveniencestore_gaspumps_2"]`}, value: func(q models.QuoteData) string { return q.CombinedSales }, optional: true},
		},
		last: true,
	},
}

// fillQuote walks the quote wizard until the class specific panel is saved.
// It returns the number of panels advanced.
func (f *flow) fillQuote(ctx context.Context, q models.QuoteData) (int, error) {
	for n := 1; n <= maxPanels; n++ {
		if err := ctx.Err(); err != nil {
			return n - 1, err
		}
		if err := f.page.WaitLoaded(10 * time.Second); err != nil {
			f.log.Warn("panel load wait", "panel", n, "error", err)
		}

		p, known := f.detectPanel()
		log := f.log.With("panel", n, "name", p.name)
		if known {
			log.Info("filling panel")
			for _, a := range p.actions {
				if err := f.perform(a, q); err != nil {
					f.shot(p.name + "_error")
					return n - 1, fmt.Errorf("panel %s: %w", p.name, err)
				}
			}
		} else {
			log.Info("advancing panel without input")
		}
		f.shot(p.name)

		next := p.next
		if next == nil {
			next = nextButtons
		}
		sel, ok := f.firstPresent(next)
		if !ok {
			if p.last {
				return n, nil
			}
			return n - 1, fmt.Errorf("panel %d (%s): no next button", n, p.name)
		}
		if err := f.page.Click(sel); err != nil {
			return n - 1, err
		}
		if p.last {
			return n, nil
		}
	}
	return maxPanels, fmt.Errorf("quote wizard did not finish within %d panels", maxPanels)
}

func (f *flow) detectPanel() (panel, bool) {
	for _, p := range quotePanels {
		if ok, err := f.page.Exists(p.detect); err == nil && ok {
			return p, true
		}
	}
	return panel{name: "unrecognized"}, false
}

var errNoSelector = errors.New("no matching element")

func (f *flow) perform(a action, q models.QuoteData) error {
	sel, ok := f.firstPresent(a.selectors)
	if !ok {
		if a.optional {
			f.log.Debug("optional field absent", "field", a.name)
			return nil
		}
		return fmt.Errorf("%s: %w (%s)", a.name, errNoSelector, strings.Join(a.selectors, " | "))
	}
	var v string
	if a.value != nil {
		v = a.value(q)
	}
	switch a.kind {
	case actFill:
		return f.page.Fill(sel, v)
	case actSelectValue:
		return f.page.SelectValue(sel, v)
	case actSelectLabel:
		return f.page.SelectLabel(sel, v)
	default:
		return f.page.Click(sel)
	}
}
