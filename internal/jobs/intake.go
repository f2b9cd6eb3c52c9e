package jobs

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"guard-automation/internal/artifacts"
	"guard-automation/internal/models"
)

// ActionStartAutomation is the only action the webhook accepts.
const ActionStartAutomation = "start_automation"

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// DefaultQuote holds the quote values used for omitted fields.
var DefaultQuote = models.QuoteData{
	CombinedSales: "1000000",
	GasGallons:    "100000",
	YearBuilt:     "2025",
	SquareFootage: "2000",
	MPDs:          "6",
}

// DefaultAccount returns the prospect used when an account is created without data.
func DefaultAccount(now time.Time) *models.AccountData {
	return &models.AccountData{
		LegalEntity:       "L",
		ApplicantName:     "TEST COMPANY LLC",
		DBA:               "Test Business",
		Address1:          "280 Griffin St",
		ZipCode:           "30253-3100",
		City:              "McDonough",
		State:             "GA",
		ContactName:       "John Doe",
		ContactPhone:      models.Phone{Area: "404", Prefix: "555", Suffix: "9999"},
		Email:             "prospect@example.com",
		Website:           "www.testbusiness.com",
		YearsInBusiness:   "5",
		ProducerID:        "2774846",
		CSRID:             "16977940",
		Description:       "Retail grocery store operations",
		PolicyInception:   now.AddDate(0, 0, 2).Format("01/02/2006"),
		HeadquartersState: "GA",
		IndustryID:        "11",
		SubIndustryID:     "45",
		BusinessTypeID:    "127",
		LinesOfBusiness:   []string{"CB"},
		OwnershipType:     "tenant",
	}
}

// normalize validates in and fills defaults.
func (s *Service) normalize(in models.Input, now time.Time) (models.Input, error) {
	in.Action = strings.TrimSpace(in.Action)
	if in.Action == "" {
		in.Action = ActionStartAutomation
	}
	if in.Action != ActionStartAutomation {
		return in, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, in.Action)
	}

	in.PolicyCode = strings.TrimSpace(in.PolicyCode)
	if !in.CreateAccount && in.PolicyCode == "" {
		return in, fmt.Errorf("%w: policy_code is required (or set create_account to true)", ErrInvalidInput)
	}

	in.SessionKey = strings.TrimSpace(in.SessionKey)
	if in.SessionKey == "" {
		in.SessionKey = s.defaultSessionKey
	}

	in.Quote = withQuoteDefaults(in.Quote)
	if in.CreateAccount {
		if in.Account == nil {
			in.Account = DefaultAccount(now)
		}
	} else {
		in.Account = nil
	}
	return in, nil
}

func withQuoteDefaults(q models.QuoteData) models.QuoteData {
	if q.CombinedSales == "" {
		q.CombinedSales = DefaultQuote.CombinedSales
	}
	if q.GasGallons == "" {
		q.GasGallons = DefaultQuote.GasGallons
	}
	if q.YearBuilt == "" {
		q.YearBuilt = DefaultQuote.YearBuilt
	}
	if q.SquareFootage == "" {
		q.SquareFootage = DefaultQuote.SquareFootage
	}
	if q.MPDs == "" {
		q.MPDs = DefaultQuote.MPDs
	}
	return q
}

// newTaskID builds guard_<policy|new>_<timestamp>_<suffix>.
func newTaskID(policyCode string, now time.Time) string {
	subject := "new"
	if policyCode != "" {
		subject = artifacts.SafeKey(policyCode)
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("guard_%s_%s_%s", subject, now.Format("20060102_150405"), suffix)
}

// validTaskID accepts only ids that are already their own artifact key, so
// no two tasks share a trace or screenshot directory.
func validTaskID(id string) bool {
	return taskIDPattern.MatchString(id) && artifacts.SafeKey(id) == id
}
