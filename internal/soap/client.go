package soap

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hcledger/claimsink/internal/types"
)

const serviceNS = "http://www.eClaimLink.ae/"

// Transaction is one remote file offered by the clearing-house.
type Transaction struct {
	FileID          string
	FileName        string
	TransactionDate time.Time
	FileSize        int64
}

// RetryPolicy bounds the exponential backoff applied to transient
// failures. 4xx responses and service-level errors are never retried.
type RetryPolicy struct {
	Max  int
	Base time.Duration
	Cap  time.Duration
}

// Options configures a Client.
type Options struct {
	Endpoint       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Retries        RetryPolicy
}

// Client talks to the clearing-house SOAP endpoint.
type Client struct {
	opts Options
	http *http.Client
	log  *zap.Logger
}

// New builds a client with dedicated timeouts. The HTTP client is shared
// across facilities; credentials travel per call.
func New(opts Options, log *zap.Logger) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.Retries.Max <= 0 {
		opts.Retries.Max = 4
	}
	if opts.Retries.Base <= 0 {
		opts.Retries.Base = 500 * time.Millisecond
	}
	if opts.Retries.Cap <= 0 {
		opts.Retries.Cap = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
	}
	return &Client{
		opts: opts,
		http: &http.Client{Transport: transport, Timeout: opts.ReadTimeout},
		log:  log.Named("soap"),
	}
}

// dateLayouts accepted for TransactionDate in search results.
var dateLayouts = []string{"02/01/2006 15:04", "02/01/2006 15:04:05", "02/01/2006"}

// SearchTransactions lists files offered within the look-back window.
func (c *Client) SearchTransactions(ctx context.Context, creds Credentials, sinceDays int) ([]Transaction, error) {
	req := searchTransactionsRequest{XMLNS: serviceNS, Login: creds.Login, Password: creds.Password, Days: sinceDays}
	var resp searchResponseEnvelope
	if err := c.call(ctx, "SearchTransactions", newEnvelope(creds, req), &resp); err != nil {
		return nil, err
	}
	if resp.Result < 0 {
		return nil, serviceErr("SearchTransactions", resp.Result, resp.Error)
	}
	if strings.TrimSpace(resp.ListXML) == "" {
		return nil, nil
	}
	var list transactionList
	if err := xml.Unmarshal([]byte(resp.ListXML), &list); err != nil {
		return nil, types.NewError(types.KindFetchFatal, types.StageDiscovered,
			"malformed transaction list", err)
	}
	out := make([]Transaction, 0, len(list.Files))
	for _, row := range list.Files {
		tx := Transaction{FileID: row.FileID, FileName: row.FileName, FileSize: row.FileSize}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, row.TransactionDate); err == nil {
				tx.TransactionDate = t
				break
			}
		}
		out = append(out, tx)
	}
	return out, nil
}

// GetTransaction downloads one file's raw XML bytes.
func (c *Client) GetTransaction(ctx context.Context, creds Credentials, fileID string) ([]byte, error) {
	req := getTransactionRequest{XMLNS: serviceNS, Login: creds.Login, Password: creds.Password, FileID: fileID}
	var resp getTransactionResponse
	if err := c.call(ctx, "GetTransactionFile", newEnvelope(creds, req), &resp); err != nil {
		return nil, err
	}
	if resp.Result < 0 {
		return nil, serviceErr("GetTransactionFile", resp.Result, resp.Error)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(resp.File))
	if err != nil {
		return nil, types.NewError(types.KindFetchFatal, types.StageDiscovered,
			fmt.Sprintf("file %s: invalid base64 payload", fileID), err)
	}
	if len(data) == 0 {
		return nil, types.NewError(types.KindFetchFatal, types.StageDiscovered,
			fmt.Sprintf("file %s: empty payload", fileID), nil)
	}
	return data, nil
}

// SetTransactionDownloaded acknowledges a file so the clearing-house
// stops offering it.
func (c *Client) SetTransactionDownloaded(ctx context.Context, creds Credentials, fileID string) error {
	req := setDownloadedRequest{XMLNS: serviceNS, Login: creds.Login, Password: creds.Password, FileID: fileID}
	var resp setDownloadedResponse
	if err := c.call(ctx, "SetTransactionDownloaded", newEnvelope(creds, req), &resp); err != nil {
		return err
	}
	if resp.Result < 0 {
		return serviceErr("SetTransactionDownloaded", resp.Result, resp.Error)
	}
	return nil
}

// call posts one envelope and decodes the response body, retrying
// transient failures under the configured backoff policy.
func (c *Client) call(ctx context.Context, action string, env requestEnvelope, out any) error {
	body, err := xml.Marshal(env)
	if err != nil {
		return types.NewError(types.KindFetchFatal, types.StageDiscovered, "marshal envelope", err)
	}
	payload := append([]byte(xml.Header), body...)

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     c.opts.Retries.Base,
		MaxInterval:         c.opts.Retries.Cap,
		Multiplier:          2,
		RandomizationFactor: 0.3,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}, uint64(c.opts.Retries.Max)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := c.post(ctx, action, payload, out)
		if err != nil && types.KindOf(err) != types.KindFetchTransient {
			return backoff.Permanent(err)
		}
		if err != nil {
			c.log.Warn("transient soap failure",
				zap.String("action", action), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}

func (c *Client) post(ctx context.Context, action string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return types.NewError(types.KindFetchFatal, types.StageDiscovered, "build request", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", serviceNS+action)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return types.NewError(types.KindTimeout, types.StageDiscovered, action, err)
		}
		return types.NewError(types.KindFetchTransient, types.StageDiscovered, action+": request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return types.NewError(types.KindFetchTransient, types.StageDiscovered, action+": read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		if fault := decodeFault(raw); fault != nil {
			return types.NewError(types.KindFetchTransient, types.StageDiscovered,
				fmt.Sprintf("%s: soap fault %s: %s", action, fault.Code, fault.String), nil)
		}
		return types.NewError(types.KindFetchTransient, types.StageDiscovered,
			fmt.Sprintf("%s: http %d", action, resp.StatusCode), nil)
	default:
		// 4xx: credentials or request shape; retrying cannot help.
		return types.NewError(types.KindFetchFatal, types.StageDiscovered,
			fmt.Sprintf("%s: http %d", action, resp.StatusCode), nil)
	}

	if err := xml.Unmarshal(raw, out); err != nil {
		return types.NewError(types.KindFetchFatal, types.StageDiscovered, action+": decode response", err)
	}
	return nil
}

func decodeFault(raw []byte) *Fault {
	var env faultEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil
	}
	return env.Body.Fault
}

func serviceErr(action string, code int, msg string) error {
	return types.NewError(types.KindFetchFatal, types.StageDiscovered,
		fmt.Sprintf("%s: service error %d: %s", action, code, msg), nil)
}
