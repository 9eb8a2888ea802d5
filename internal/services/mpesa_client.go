package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/santamore/feeds/internal/config"
)

const (
	mpesaTokenPath   = "/oauth/v1/generate?grant_type=client_credentials"
	mpesaSTKPushPath = "/mpesa/stkpush/v1/processrequest"
	mpesaAcceptCode  = "0"
	kenyaPrefix      = "254"
)

// Daraja timestamps are East Africa Time.
var eastAfricaTime = time.FixedZone("EAT", 3*60*60)

// CredentialFetchError means the OAuth token could not be obtained.
type CredentialFetchError struct {
	Err error
}

func (e *CredentialFetchError) Error() string {
	return fmt.Sprintf("mpesa credential fetch: %v", e.Err)
}

func (e *CredentialFetchError) Unwrap() error { return e.Err }

// GatewayUnreachableError means the prompt request failed in transport or
// returned a body that could not be read.
type GatewayUnreachableError struct {
	Err error
}

func (e *GatewayUnreachableError) Error() string {
	return fmt.Sprintf("mpesa gateway unreachable: %v", e.Err)
}

func (e *GatewayUnreachableError) Unwrap() error { return e.Err }

// PromptRejectedError carries the gateway's reason for refusing a prompt.
type PromptRejectedError struct {
	Code   string
	Reason string
}

func (e *PromptRejectedError) Error() string {
	return fmt.Sprintf("mpesa prompt rejected (%s): %s", e.Code, e.Reason)
}

// PromptRequest is the gateway-independent input for one STK push.
type PromptRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
}

// PromptAck is the synchronous acknowledgement of a delivered prompt.
// It says nothing about whether the payer will pay.
type PromptAck struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	CustomerMessage   string `json:"CustomerMessage"`
}

type mpesaTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// MpesaClient talks to the Daraja API. It keeps no state between calls.
type MpesaClient struct {
	cfg        config.MpesaConfig
	httpClient *http.Client
	now        func() time.Time
}

// NewMpesaClient builds a client whose requests are bounded by cfg.HTTPTimeout.
func NewMpesaClient(cfg config.MpesaConfig) *MpesaClient {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &MpesaClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// FetchToken obtains a fresh bearer token. Tokens are not cached.
func (c *MpesaClient) FetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+mpesaTokenPath, nil)
	if err != nil {
		return "", &CredentialFetchError{Err: err}
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &CredentialFetchError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &CredentialFetchError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &CredentialFetchError{Err: fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body))}
	}

	var tokenResp mpesaTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", &CredentialFetchError{Err: fmt.Errorf("unmarshal: %w", err)}
	}
	if tokenResp.AccessToken == "" {
		return "", &CredentialFetchError{Err: errors.New("empty access_token")}
	}

	return tokenResp.AccessToken, nil
}

// RequestPrompt submits an STK push. A nil error means the prompt reached the
// payer's handset; the payment outcome arrives later on the callback.
func (c *MpesaClient) RequestPrompt(ctx context.Context, prompt PromptRequest) (*PromptAck, error) {
	token, err := c.FetchToken(ctx)
	if err != nil {
		return nil, err
	}

	phone := NormalizePhone(prompt.Phone)
	timestamp := Timestamp(c.now())

	payload, err := json.Marshal(stkPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            prompt.Amount,
		PartyA:            phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL(),
		AccountReference:  prompt.AccountReference,
		TransactionDesc:   c.cfg.TransactionDesc,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal stk push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+mpesaSTKPushPath, bytes.NewReader(payload))
	if err != nil {
		return nil, &GatewayUnreachableError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayUnreachableError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayUnreachableError{Err: err}
	}

	var pushResp stkPushResponse
	if err := json.Unmarshal(body, &pushResp); err != nil {
		return nil, &GatewayUnreachableError{Err: fmt.Errorf("status %d, unreadable body: %w", resp.StatusCode, err)}
	}

	if pushResp.ResponseCode != mpesaAcceptCode {
		reason := pushResp.ErrorMessage
		if reason == "" {
			reason = pushResp.ResponseDescription
		}
		if reason == "" {
			reason = "Unknown error"
		}
		code := pushResp.ResponseCode
		if code == "" {
			code = pushResp.ErrorCode
		}
		return nil, &PromptRejectedError{Code: code, Reason: reason}
	}

	return &PromptAck{
		MerchantRequestID: pushResp.MerchantRequestID,
		CheckoutRequestID: pushResp.CheckoutRequestID,
		CustomerMessage:   pushResp.CustomerMessage,
	}, nil
}

// NormalizePhone converts local Kenyan numbers to the 254 form.
// Numbers starting with 0 or 254 are reduced to digits; a leading 0 becomes 254.
// Anything else, including "+254..." input, is returned unchanged.
func NormalizePhone(phone string) string {
	trimmed := strings.TrimSpace(phone)
	if !strings.HasPrefix(trimmed, "0") && !strings.HasPrefix(trimmed, kenyaPrefix) {
		return phone
	}

	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, trimmed)

	if strings.HasPrefix(digits, "0") {
		return kenyaPrefix + digits[1:]
	}
	return digits
}

// Timestamp formats t as YYYYMMDDHHMMSS in East Africa Time.
func Timestamp(t time.Time) string {
	return t.In(eastAfricaTime).Format("20060102150405")
}

// Password is the Daraja STK password: base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}
