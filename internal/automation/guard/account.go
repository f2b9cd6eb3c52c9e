package guard

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"guard-automation/internal/automation"
	"guard-automation/internal/models"
)

type formField struct {
	selector string
	value    func(a *models.AccountData) string
	dropdown bool
}

// accountFields is the prospect form in page order.
var accountFields = []formField{
	{selector: "#BizType", value: func(a *models.AccountData) string { return a.LegalEntity }, dropdown: true},
	{selector: "#Name", value: func(a *models.AccountData) string { return a.ApplicantName }},
	{selector: "#InsuredDBA", value: func(a *models.AccountData) string { return a.DBA }},
	{selector: "#Address1", value: func(a *models.AccountData) string { return a.Address1 }},
	{selector: "#Address2", value: func(a *models.AccountData) string { return a.Address2 }},
	{selector: "#ZipCode", value: func(a *models.AccountData) string { return a.ZipCode }},
	{selector: "#State", value: func(a *models.AccountData) string { return a.State }},
	{selector: "#City", value: func(a *models.AccountData) string { return a.City }},
	{selector: "#ContactName", value: func(a *models.AccountData) string { return a.ContactName }},
	{selector: "#ContactPhone_Prefix", value: func(a *models.AccountData) string { return a.ContactPhone.Area }},
	{selector: "#ContactPhone_Suffix", value: func(a *models.AccountData) string { return a.ContactPhone.Prefix }},
	{selector: "#ContactPhone_LastFour", value: func(a *models.AccountData) string { return a.ContactPhone.Suffix }},
	{selector: "#EmailAddress", value: func(a *models.AccountData) string { return a.Email }},
	{selector: "#WebsiteAddress", value: func(a *models.AccountData) string { return a.Website }},
	{selector: "#YearsInBusiness", value: func(a *models.AccountData) string { return a.YearsInBusiness }},
	{selector: "#ProducerId", value: func(a *models.AccountData) string { return a.ProducerID }, dropdown: true},
	{selector: "#CSRID", value: func(a *models.AccountData) string { return a.CSRID }, dropdown: true},
	{selector: "#DescriptionOfOperations", value: func(a *models.AccountData) string { return a.Description }},
	{selector: "#POBegin", value: func(a *models.AccountData) string { return a.PolicyInception }},
	{selector: "#Govstate", value: func(a *models.AccountData) string { return a.HeadquartersState }, dropdown: true},
}

// industryCodes picks the industry cascade. Lessors risk has a fixed classification.
func industryCodes(a *models.AccountData) (industry, sub, business string) {
	if strings.EqualFold(a.OwnershipType, "lessors_risk") {
		return "7", "26", "79"
	}
	return orDefault(a.IndustryID, "11"), orDefault(a.SubIndustryID, "45"), orDefault(a.BusinessTypeID, "127")
}

func (f *flow) createAccount(ctx context.Context, acct *models.AccountData) (string, error) {
	if acct == nil {
		return "", errors.New("account data missing")
	}
	if err := f.page.Goto(f.baseURL + accountFormPath); err != nil {
		return "", err
	}
	f.shot("account_form")

	for _, field := range accountFields {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		v := field.value(acct)
		if v == "" {
			continue
		}
		var err error
		if field.dropdown {
			err = f.page.SelectValue(field.selector, v)
		} else {
			err = f.page.Fill(field.selector, v)
		}
		if err != nil {
			return "", err
		}
		if field.selector == "#POBegin" {
			// Closes the date picker so it does not cover the next fields.
			if err := f.page.Click("body"); err != nil {
				return "", err
			}
		}
	}

	if err := f.selectIndustry(acct); err != nil {
		return "", err
	}
	if err := f.checkLinesOfBusiness(acct); err != nil {
		return "", err
	}
	f.shot("account_filled")

	if err := f.page.Click("#save_btn"); err != nil {
		return "", err
	}
	if err := f.page.WaitForURL("**/execStoredProc/**", 30*time.Second); err != nil {
		return "", &automation.ExpectedFailure{Reason: "account form was not accepted", Err: err}
	}
	f.shot("after_save")

	cont, ok := f.firstPresent([]string{"a:has-text('Continue')", "a:has-text('continue')"})
	if !ok {
		return "", errors.New("continue link missing after account save")
	}
	if err := f.page.Click(cont); err != nil {
		return "", err
	}
	if err := f.page.WaitForURL("**/EZR_AddNewProspectShell/**", 30*time.Second); err != nil {
		return "", err
	}

	code := mgaCode(f.page.URL())
	if code == "" {
		return "", automation.Expected("account saved but portal returned no MGACODE")
	}
	f.log.Info("account created", "policy_code", code)
	return code, nil
}

func (f *flow) selectIndustry(acct *models.AccountData) error {
	industry, sub, business := industryCodes(acct)
	if err := f.page.SelectValue("#IndustryID", industry); err != nil {
		return err
	}
	// Each dropdown is repopulated after its parent changes.
	if err := f.page.WaitAttached(fmt.Sprintf(`#SubIndustryID option[value="%s"]`, sub), 10*time.Second); err != nil {
		return err
	}
	if err := f.page.SelectValue("#SubIndustryID", sub); err != nil {
		return err
	}
	if err := f.page.WaitAttached(fmt.Sprintf(`#BusinessTypeID option[value="%s"]`, business), 10*time.Second); err != nil {
		return err
	}
	return f.page.SelectValue("#BusinessTypeID", business)
}

func (f *flow) checkLinesOfBusiness(acct *models.AccountData) error {
	ownership := strings.ToLower(orDefault(acct.OwnershipType, "owner"))
	for _, lob := range acct.LinesOfBusiness {
		box := "#LOBs_" + lob
		if err := f.page.Check(box); err != nil {
			return err
		}
		if lob != "CB" {
			continue
		}
		// Businessowners asks whether the insured is a tenant or a lessor.
		var answers []string
		switch ownership {
		case "tenant":
			answers = []string{"#lobdirective_tenant_radio_Y"}
		case "lessors_risk":
			answers = []string{"#lobdirective_tenant_radio_N", "#lobdirective_lro_radio_Y"}
		default:
			answers = []string{"#lobdirective_tenant_radio_N", "#lobdirective_lro_radio_N"}
		}
		for _, sel := range answers {
			if err := f.page.Click(sel); err != nil {
				return err
			}
		}
		if err := f.page.Check(box); err != nil {
			return err
		}
	}
	return nil
}

// mgaCode extracts the MGACODE query parameter from a portal URL.
func mgaCode(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("MGACODE")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
