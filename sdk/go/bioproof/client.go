// Package bioproof is a thin client for the BioProof Chain REST API.
package bioproof

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Proof generation can take several seconds on the circuit
// backend, so it is longer than a typical API call.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the BioProof Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Reading is a single timestamped measurement.
type Reading struct {
	MetricType string    `json:"metric_type"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Timestamp  time.Time `json:"timestamp"`
}

// Location lets the server resolve the environmental context.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ProofRequest is the payload for GenerateProof.
type ProofRequest struct {
	UserID   string    `json:"userId"`
	Readings []Reading `json:"readings"`
	Location *Location `json:"location,omitempty"`
}

// Proof is the subset of a proof record that callers usually need.
type Proof struct {
	ProofHash              string          `json:"proofHash"`
	MetricType             string          `json:"metricType"`
	PublicInputs           json.RawMessage `json:"publicInputs"`
	VerificationKey        string          `json:"verificationKey"`
	CircuitID              string          `json:"circuitId"`
	CryptographicallySound bool            `json:"cryptographicallySound"`
	IssuedAt               time.Time       `json:"issuedAt"`
	ExpiresAt              time.Time       `json:"expiresAt"`
}

// VerifyResult reports the outcome of a verification.
type VerifyResult struct {
	ProofHash              string   `json:"proofHash"`
	IsValid                bool     `json:"isValid"`
	CryptographicallySound bool     `json:"cryptographicallySound"`
	Expired                bool     `json:"expired"`
	Details                []string `json:"details,omitempty"`
}

// Disclosure is a single selectively disclosed attribute.
type Disclosure struct {
	ProofHash string    `json:"proofHash"`
	Name      string    `json:"name"`
	Value     any       `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Aggregate is a recorded Merkle root over several proofs.
type Aggregate struct {
	Root    string   `json:"root"`
	Members []string `json:"members"`
}

// AnchorOptions selects the anchoring strategy and target networks.
type AnchorOptions struct {
	Strategy string   `json:"strategy,omitempty"`
	Network  string   `json:"network,omitempty"`
	Networks []string `json:"networks,omitempty"`
	Priority string   `json:"priority,omitempty"`
}

// AnchorRecord is a ledger receipt for an anchored proof or aggregate.
type AnchorRecord struct {
	Network         string  `json:"network"`
	Strategy        string  `json:"strategy"`
	TransactionHash string  `json:"transactionHash"`
	BlockNumber     uint64  `json:"blockNumber"`
	Cost            float64 `json:"cost"`
}

// AnchorResult lists the records created or reused by an anchor call.
type AnchorResult struct {
	ProofID  string          `json:"proofId"`
	Strategy string          `json:"strategy"`
	Records  []*AnchorRecord `json:"records"`
}

// RequestSubmission asks a user to disclose proof attributes.
type RequestSubmission struct {
	RequesterID        string   `json:"requesterId"`
	UserID             string   `json:"userId"`
	MetricType         string   `json:"metricType"`
	RequiredAttributes []string `json:"requiredAttributes"`
	Purpose            string   `json:"purpose"`
	Jurisdiction       string   `json:"jurisdiction"`
}

// VerificationRequest is a third-party request and its current state.
type VerificationRequest struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	RiskLevel    string    `json:"riskLevel"`
	BoundProofID string    `json:"boundProofId,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Outcome is returned when a user decides on a request.
type Outcome struct {
	Request     VerificationRequest `json:"request"`
	Disclosures []Disclosure        `json:"disclosures,omitempty"`
}

// Job is an asynchronous pipeline job.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	RequestID  string            `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("bioproof api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("bioproof api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the BioProof Chain API. When httpClient
// is nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// GenerateProof issues a range proof for the user's readings.
func (c *Client) GenerateProof(ctx context.Context, req ProofRequest) (Proof, error) {
	var proof Proof
	err := c.send(ctx, http.MethodPost, "/api/v1/proofs", req, &proof)
	return proof, err
}

// VerifyProof checks a proof against the public inputs the caller holds.
func (c *Client) VerifyProof(ctx context.Context, proof Proof) (VerifyResult, error) {
	var result VerifyResult
	err := c.send(ctx, http.MethodPost, "/api/v1/proofs/verify", map[string]any{
		"proofHash":       proof.ProofHash,
		"verificationKey": proof.VerificationKey,
		"publicInputs":    proof.PublicInputs,
	}, &result)
	return result, err
}

// Disclose reveals a single public attribute of a proof.
func (c *Client) Disclose(ctx context.Context, proofHash, attribute string) (Disclosure, error) {
	var d Disclosure
	endpoint := path.Join("/api/v1/proofs", url.PathEscape(proofHash), "attributes", url.PathEscape(attribute))
	err := c.send(ctx, http.MethodGet, endpoint, nil, &d)
	return d, err
}

// Aggregate records a Merkle root over the given proofs.
func (c *Client) Aggregate(ctx context.Context, proofHashes []string) (Aggregate, error) {
	var agg Aggregate
	err := c.send(ctx, http.MethodPost, "/api/v1/proofs/aggregate", map[string]any{"proofHashes": proofHashes}, &agg)
	return agg, err
}

// Anchor writes a proof commitment to a ledger.
func (c *Client) Anchor(ctx context.Context, proofHash string, opts AnchorOptions) (AnchorResult, error) {
	var result AnchorResult
	err := c.send(ctx, http.MethodPost, path.Join("/api/v1/proofs", url.PathEscape(proofHash), "anchors"), opts, &result)
	return result, err
}

// AnchorAggregate writes a previously recorded aggregate root to a ledger.
func (c *Client) AnchorAggregate(ctx context.Context, root string, opts AnchorOptions) (AnchorResult, error) {
	var result AnchorResult
	err := c.send(ctx, http.MethodPost, path.Join("/api/v1/aggregates", url.PathEscape(root), "anchors"), opts, &result)
	return result, err
}

// SubmitRequest creates a pending verification request.
func (c *Client) SubmitRequest(ctx context.Context, sub RequestSubmission) (VerificationRequest, error) {
	var req VerificationRequest
	err := c.send(ctx, http.MethodPost, "/api/v1/verification-requests", sub, &req)
	return req, err
}

// Decide approves or rejects a pending verification request.
func (c *Client) Decide(ctx context.Context, requestID string, approve bool, reason string) (Outcome, error) {
	var out Outcome
	endpoint := path.Join("/api/v1/verification-requests", url.PathEscape(requestID), "decision")
	err := c.send(ctx, http.MethodPost, endpoint, map[string]any{"approve": approve, "reason": reason}, &out)
	return out, err
}

// SubmitJob enqueues an asynchronous job. A non-empty id makes the call idempotent.
func (c *Client) SubmitJob(ctx context.Context, id, kind string, payload any) (Job, error) {
	var job Job
	err := c.send(ctx, http.MethodPost, "/api/v1/jobs", map[string]any{"id": id, "kind": kind, "payload": payload}, &job)
	return job, err
}

// GetJob fetches job state by identifier.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := c.send(ctx, http.MethodGet, path.Join("/api/v1/jobs", url.PathEscape(id)), nil, &job)
	return job, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		envelope := struct {
			RequestID string    `json:"request_id"`
			Error     *APIError `json:"error"`
		}{Error: apiErr}
		if len(data) > 0 && json.Unmarshal(data, &envelope) == nil {
			apiErr.RequestID = envelope.RequestID
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
