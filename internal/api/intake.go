package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"guard-automation/internal/models"
)

const maxWebhookBody = 1 << 20

var (
	errNotJSON   = errors.New("content-type must be application/json")
	errNoPayload = errors.New("no payload received")
)

// flexString accepts a JSON string or number. Callers send quote values both ways.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("want string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

type quotePayload struct {
	CombinedSales flexString `json:"combined_sales"`
	GasGallons    flexString `json:"gas_gallons"`
	YearBuilt     flexString `json:"year_built"`
	SquareFootage flexString `json:"square_footage"`
	MPDs          flexString `json:"mpds"`
}

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type webhookRequest struct {
	Action        string              `json:"action"`
	TaskID        string              `json:"task_id"`
	PolicyCode    flexString          `json:"policy_code"`
	CreateAccount bool                `json:"create_account"`
	SessionKey    string              `json:"session_key"`
	QuoteData     quotePayload        `json:"quote_data"`
	AccountData   *models.AccountData `json:"account_data"`
	Credentials   *credentialsPayload `json:"credentials"`
}

// decodeWebhook reads and types the webhook body. Semantic validation
// happens in the jobs service.
func decodeWebhook(w http.ResponseWriter, r *http.Request) (webhookRequest, error) {
	var req webhookRequest
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return req, errNotJSON
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		return req, fmt.Errorf("read body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || string(body) == "null" || string(body) == "{}" {
		return req, errNoPayload
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("invalid json: %w", err)
	}
	return req, nil
}

func (req webhookRequest) input() models.Input {
	in := models.Input{
		Action:        req.Action,
		PolicyCode:    string(req.PolicyCode),
		CreateAccount: req.CreateAccount,
		SessionKey:    req.SessionKey,
		Quote: models.QuoteData{
			CombinedSales: string(req.QuoteData.CombinedSales),
			GasGallons:    string(req.QuoteData.GasGallons),
			YearBuilt:     string(req.QuoteData.YearBuilt),
			SquareFootage: string(req.QuoteData.SquareFootage),
			MPDs:          string(req.QuoteData.MPDs),
		},
	}
	// An empty account_data object means "use the default prospect".
	if req.AccountData != nil && !reflect.ValueOf(*req.AccountData).IsZero() {
		in.Account = req.AccountData
	}
	if req.Credentials != nil && req.Credentials.Username != "" {
		in.Credentials = &models.Credentials{Username: req.Credentials.Username, Password: req.Credentials.Password}
	}
	return in
}
