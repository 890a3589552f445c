package stacks

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client speaks the stacks-node RPC interface: read-only contract calls,
// account lookups and transaction broadcast.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client for the given node API base URL. Every request
// is bounded by the given timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// CallReadOnly invokes a read-only contract function and returns its
// decoded result value.
func (c *Client) CallReadOnly(ctx context.Context, contract Principal, function string, sender Principal, args []Value) (Value, error) {
	var hexArgs = make([]string, len(args))
	for i, arg := range args {
		var s, err = EncodeValueHex(arg)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		hexArgs[i] = s
	}
	var reqBody = struct {
		Sender    string   `json:"sender"`
		Arguments []string `json:"arguments"`
	}{
		Sender:    sender.Address(),
		Arguments: hexArgs,
	}
	var path = fmt.Sprintf("/v2/contracts/call-read/%s/%s/%s",
		url.PathEscape(contract.Address()), url.PathEscape(contract.Contract), url.PathEscape(function))

	var respBody struct {
		Okay   bool   `json:"okay"`
		Result string `json:"result"`
		Cause  string `json:"cause"`
	}
	if err := c.postJSON(ctx, path, reqBody, &respBody); err != nil {
		return nil, err
	}
	if !respBody.Okay {
		return nil, fmt.Errorf("read-only call %s::%s failed: %s", contract, function, respBody.Cause)
	}
	var value, err = DecodeValueHex(respBody.Result)
	if err != nil {
		return nil, fmt.Errorf("decoding read-only result of %s::%s: %w", contract, function, err)
	}
	return value, nil
}

// AccountNonce fetches the next unused nonce of a principal.
func (c *Client) AccountNonce(ctx context.Context, account Principal) (uint64, error) {
	var req, err = http.NewRequestWithContext(ctx, "GET",
		c.baseURL+"/v2/accounts/"+url.PathEscape(account.Address())+"?proof=0", nil)
	if err != nil {
		return 0, err
	}
	var respBody struct {
		Nonce uint64 `json:"nonce"`
	}
	if err = c.do(req, &respBody); err != nil {
		return 0, fmt.Errorf("fetching nonce of %s: %w", account, err)
	}
	return respBody.Nonce, nil
}

// BroadcastTransaction submits a raw signed transaction and returns its
// 0x-prefixed transaction id.
func (c *Client) BroadcastTransaction(ctx context.Context, raw []byte) (string, error) {
	var req, err = http.NewRequestWithContext(ctx, "POST",
		c.baseURL+"/v2/transactions", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var resp, doErr = c.http.Do(req)
	if doErr != nil {
		return "", fmt.Errorf("broadcasting transaction: %w", doErr)
	}
	defer resp.Body.Close()

	var body, readErr = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return "", fmt.Errorf("reading broadcast response: %w", readErr)
	}
	if resp.StatusCode != 200 {
		var nodeErr struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(body, &nodeErr) == nil && nodeErr.Error != "" {
			return "", fmt.Errorf("transaction rejected: %s (%s)", nodeErr.Error, nodeErr.Reason)
		}
		return "", fmt.Errorf("broadcast returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	// The node answers with a JSON string holding the bare txid hex.
	var txid string
	if err := json.Unmarshal(body, &txid); err != nil {
		txid = strings.Trim(strings.TrimSpace(string(body)), `"`)
	}
	if !strings.HasPrefix(txid, "0x") {
		txid = "0x" + txid
	}
	if _, err := hex.DecodeString(txid[2:]); err != nil || len(txid) != 66 {
		return "", fmt.Errorf("broadcast returned malformed txid %q", txid)
	}
	return txid, nil
}

func (c *Client) postJSON(ctx context.Context, path string, reqBody, respBody interface{}) error {
	var encoded, err = json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, respBody)
}

func (c *Client) do(req *http.Request, respBody interface{}) error {
	var resp, err = c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	var body, readErr = io.ReadAll(io.LimitReader(resp.Body, 1<<24))
	if readErr != nil {
		return fmt.Errorf("%s %s: reading response: %w", req.Method, req.URL.Path, readErr)
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("%s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err = json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// IsTimeout reports whether err stems from an expired request deadline,
// distinguishing upstream timeouts from other node failures.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
