package robokassa

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
)

const (
	paymentBaseURL = "https://auth.robokassa.ru/Merchant/Index.aspx"
	opStateURL     = "https://auth.robokassa.ru/Merchant/WebService/Service.asmx/OpStateExt"
)

// Config holds RoboKassa configuration
type Config struct {
	MerchantLogin  string
	Password1      string // payment initialization
	Password2      string // ResultURL callbacks and status queries
	TestMode       bool
	HashAlgo       HashAlgorithm
	ConnectTimeout time.Duration
	Timeout        time.Duration
	// OpStateURL overrides the status endpoint in tests.
	OpStateURL string
}

// Client builds payment links and queries invoice state.
type Client struct {
	config     Config
	httpClient *http.Client
}

// PaymentLinkRequest describes one invoice.
type PaymentLinkRequest struct {
	Amount      decimal.Decimal
	InvID       int64
	Description string
	Email       string
	Culture     string
	Shp         map[string]string
}

func NewClient(cfg Config) *Client {
	if cfg.HashAlgo == "" {
		cfg.HashAlgo = HashSHA256
	}
	if cfg.OpStateURL == "" {
		cfg.OpStateURL = opStateURL
	}
	return &Client{
		config:     cfg,
		httpClient: gateway.NewHTTPClient(cfg.ConnectTimeout, cfg.Timeout),
	}
}

// PaymentURL generates the signed redirect URL. RoboKassa has no create call;
// the invoice exists once the buyer opens the link.
func (c *Client) PaymentURL(req PaymentLinkRequest) (string, error) {
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("validation error: amount must be > 0")
	}
	if req.InvID <= 0 {
		return "", fmt.Errorf("validation error: invoice ID must be > 0")
	}
	if strings.TrimSpace(c.config.MerchantLogin) == "" || strings.TrimSpace(c.config.Password1) == "" {
		return "", fmt.Errorf("robokassa config error: merchant_login or password1 is empty: %w", gateway.ErrConfigurationMissing)
	}

	outSum := req.Amount.StringFixed(2)
	invID := strconv.FormatInt(req.InvID, 10)

	shp := make(map[string]string, len(req.Shp))
	for k, v := range req.Shp {
		if !strings.HasPrefix(strings.ToLower(k), "shp_") {
			k = "Shp_" + k
		}
		shp[k] = v
	}

	sig, err := c.config.HashAlgo.Sign(shp, c.config.MerchantLogin, outSum, invID, c.config.Password1)
	if err != nil {
		return "", fmt.Errorf("robokassa: failed to sign payment request: %w", err)
	}

	params := url.Values{}
	params.Set("MerchantLogin", c.config.MerchantLogin)
	params.Set("OutSum", outSum)
	params.Set("InvId", invID)
	params.Set("Description", req.Description)
	params.Set("SignatureValue", sig)
	if c.config.TestMode {
		params.Set("IsTest", "1")
	}
	if req.Email != "" {
		params.Set("Email", req.Email)
	}
	culture := req.Culture
	if culture == "" {
		culture = "ru"
	}
	params.Set("Culture", culture)
	for k, v := range shp {
		params.Set(k, v)
	}

	return paymentBaseURL + "?" + params.Encode(), nil
}

type opStateResponse struct {
	XMLName xml.Name `xml:"OperationStateResponse"`
	Result  struct {
		Code        int    `xml:"Code"`
		Description string `xml:"Description"`
	} `xml:"Result"`
	State struct {
		Code int `xml:"Code"`
	} `xml:"State"`
	Info struct {
		OutSum string `xml:"OutSum"`
	} `xml:"Info"`
}

// invoice state codes reported by OpStateExt
const (
	stateInitiated = 5
	stateCancelled = 10
	stateHeld      = 20
	stateReceived  = 50
	stateReturned  = 60
	stateSuspended = 80
	stateCompleted = 100
)

// opResultNotFound is returned when the invoice is unknown.
const opResultNotFound = 3

// OpState queries the current invoice state.
func (c *Client) OpState(ctx context.Context, invID string) (state int, outSum decimal.Decimal, err error) {
	if c.config.MerchantLogin == "" || c.config.Password2 == "" {
		return 0, decimal.Zero, fmt.Errorf("robokassa config error: password2 is empty: %w", gateway.ErrConfigurationMissing)
	}

	sig, err := c.config.HashAlgo.Sign(nil, c.config.MerchantLogin, invID, c.config.Password2)
	if err != nil {
		return 0, decimal.Zero, err
	}
	params := url.Values{}
	params.Set("MerchantLogin", c.config.MerchantLogin)
	params.Set("InvoiceID", invID)
	params.Set("Signature", sig)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.OpStateURL+"?"+params.Encode(), nil)
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("robokassa request error: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, decimal.Zero, gateway.ClassifyRequestError(ctx, "robokassa", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, decimal.Zero, gateway.ClassifyRequestError(ctx, "robokassa", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, decimal.Zero, gateway.ClassifyStatus("robokassa", resp.StatusCode, raw)
	}

	var out opStateResponse
	if err := xml.Unmarshal(raw, &out); err != nil {
		return 0, decimal.Zero, fmt.Errorf("failed to parse robokassa response: %w", err)
	}
	if out.Result.Code == opResultNotFound {
		return 0, decimal.Zero, fmt.Errorf("robokassa invoice %s not found: %w", invID, gateway.ErrProviderRejected)
	}
	if out.Result.Code != 0 {
		return 0, decimal.Zero, fmt.Errorf("robokassa opstate error %d: %s: %w", out.Result.Code, out.Result.Description, gateway.ErrProviderUnavailable)
	}

	if out.Info.OutSum != "" {
		outSum, err = decimal.NewFromString(out.Info.OutSum)
		if err != nil {
			return 0, decimal.Zero, fmt.Errorf("invalid robokassa OutSum %q: %w", out.Info.OutSum, err)
		}
	}
	return out.State.Code, outSum, nil
}

func stateToStatus(code int) gateway.Status {
	switch code {
	case stateCompleted:
		return gateway.StatusCompleted
	case stateCancelled, stateReturned:
		return gateway.StatusFailed
	default:
		// initiated, held, received, suspended
		return gateway.StatusPending
	}
}
