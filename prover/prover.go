// Package prover is the HTTP client to an external proof server.  The node
// submits the public inputs of a sealed block and polls until the zk proof
// is ready; proof computation itself lives outside the node.
package prover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/dghubble/sling"
	"github.com/hermeznetwork/tracerr"

	"github.com/crescentzk/crescent-node/common"
)

// Input is the public input set of one block proof, the JSON body POSTed to
// the proof server
type Input struct {
	BlockNum   uint64   `json:"blockNum"`
	PrevRoot   *big.Int `json:"prevRoot"`
	NewRoot    *big.Int `json:"newRoot"`
	Timestamp  uint64   `json:"timestamp"`
	Pubdata    []byte   `json:"pubdata"`
	Commitment [32]byte `json:"commitment"`
}

// NewInput builds the proof input of a sealed block
func NewInput(block *common.Block) (*Input, error) {
	pubdata, err := block.Pubdata()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &Input{
		BlockNum:   block.Num,
		PrevRoot:   block.PrevRoot,
		NewRoot:    block.NewRoot,
		Timestamp:  block.Timestamp,
		Pubdata:    pubdata,
		Commitment: block.Commitment,
	}, nil
}

// Proof is a groth16 proof as returned by the proof server
type Proof struct {
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
	Protocol string     `json:"protocol"`
}

// Bytes returns the proof in the serialized form the rollup contract takes
func (p *Proof) Bytes() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return raw, nil
}

// ErrProofNotReady is returned by GetProof while the server is still
// computing
var ErrProofNotReady = errors.New("proof is not ready")

// Client is the interface to a proof server
type Client interface {
	// Non-blocking
	CalculateProof(ctx context.Context, input *Input) error
	// Non-blocking; returns ErrProofNotReady while computing
	GetProof(ctx context.Context) (*Proof, error)
	// Non-blocking
	Cancel(ctx context.Context) error
	// Blocking
	WaitReady(ctx context.Context) error
}

// StatusCode is the status string of the proof server
type StatusCode string

const (
	// StatusCodeAborted means the server is ready; the previous proof was
	// aborted
	StatusCodeAborted StatusCode = "aborted"
	// StatusCodeBusy means the server is computing a proof
	StatusCodeBusy StatusCode = "busy"
	// StatusCodeFailed means the server is ready; the previous proof
	// failed
	StatusCodeFailed StatusCode = "failed"
	// StatusCodeSuccess means the server is ready and holds the last proof
	StatusCodeSuccess StatusCode = "success"
	// StatusCodeUninitialized means the server is not initialized
	StatusCodeUninitialized StatusCode = "uninitialized"
	// StatusCodeUndefined means the server is in an undefined state, most
	// likely booting
	StatusCodeUndefined StatusCode = "undefined"
	// StatusCodeInitializing means the server is initializing
	StatusCodeInitializing StatusCode = "initializing"
	// StatusCodeReady means the server is initialized and idle
	StatusCodeReady StatusCode = "ready"
)

// IsReady returns true when the server can take a new proof
func (status StatusCode) IsReady() bool {
	return status == StatusCodeAborted || status == StatusCodeFailed ||
		status == StatusCodeSuccess || status == StatusCodeReady
}

// IsInitialized returns true once the server finished booting
func (status StatusCode) IsInitialized() bool {
	return status != StatusCodeUninitialized && status != StatusCodeUndefined &&
		status != StatusCodeInitializing
}

// Status is the return struct of the status endpoint
type Status struct {
	Status StatusCode `json:"status"`
	Proof  string     `json:"proof"`
}

// ErrorServer is the return struct of an API error
type ErrorServer struct {
	Status  StatusCode `json:"status"`
	Message string     `json:"msg"`
}

// Error message for ErrorServer
func (e ErrorServer) Error() string {
	return fmt.Sprintf("proof server status (%v): %v", e.Status, e.Message)
}

type apiMethod string

const (
	// GET is an HTTP GET
	GET apiMethod = "GET"
	// POST is an HTTP POST with an optional JSON body
	POST apiMethod = "POST"
)

// ProofServerClient is the sling client to one proof server
type ProofServerClient struct {
	URL          string
	client       *sling.Sling
	pollInterval time.Duration
}

// NewProofServerClient creates a new ProofServerClient
func NewProofServerClient(URL string, pollInterval time.Duration) *ProofServerClient {
	if URL[len(URL)-1] != '/' {
		URL += "/"
	}
	client := sling.New().Base(URL)
	return &ProofServerClient{URL: URL, client: client, pollInterval: pollInterval}
}

func (p *ProofServerClient) apiRequest(ctx context.Context, method apiMethod,
	path string, body interface{}, ret interface{}) error {
	path = strings.TrimPrefix(path, "/")
	var errSrv ErrorServer
	var req *http.Request
	var err error
	switch method {
	case GET:
		req, err = p.client.New().Get(path).Request()
	case POST:
		req, err = p.client.New().Post(path).BodyJSON(body).Request()
	default:
		return tracerr.Wrap(fmt.Errorf("invalid http method: %v", method))
	}
	if err != nil {
		return tracerr.Wrap(err)
	}
	res, err := p.client.Do(req.WithContext(ctx), ret, &errSrv)
	if err != nil {
		return tracerr.Wrap(err)
	}
	defer res.Body.Close() //nolint:errcheck
	if !(200 <= res.StatusCode && res.StatusCode < 300) {
		return tracerr.Wrap(errSrv)
	}
	return nil
}

func (p *ProofServerClient) apiStatus(ctx context.Context) (*Status, error) {
	var status Status
	if err := p.apiRequest(ctx, GET, "/status", nil, &status); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &status, nil
}

// CalculateProof submits the block inputs to the proof server
func (p *ProofServerClient) CalculateProof(ctx context.Context, input *Input) error {
	if err := p.apiRequest(ctx, POST, "/input", input, nil); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

// GetProof fetches the proof of the last submitted input.
// ErrProofNotReady is returned while the server is still computing.
func (p *ProofServerClient) GetProof(ctx context.Context) (*Proof, error) {
	status, err := p.apiStatus(ctx)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	switch status.Status {
	case StatusCodeSuccess:
		var proof Proof
		if err := json.Unmarshal([]byte(status.Proof), &proof); err != nil {
			return nil, tracerr.Wrap(err)
		}
		return &proof, nil
	case StatusCodeBusy:
		return nil, tracerr.Wrap(ErrProofNotReady)
	default:
		return nil, tracerr.Wrap(fmt.Errorf("proof server cannot deliver a proof, status: %v",
			status.Status))
	}
}

// Cancel aborts any current proof computation
func (p *ProofServerClient) Cancel(ctx context.Context) error {
	if err := p.apiRequest(ctx, POST, "/cancel", nil, nil); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

// WaitReady blocks until the proof server is initialized and idle
func (p *ProofServerClient) WaitReady(ctx context.Context) error {
	status, err := p.apiStatus(ctx)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if status.Status.IsInitialized() && status.Status.IsReady() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return tracerr.Wrap(common.ErrDone)
		case <-time.After(p.pollInterval):
			status, err := p.apiStatus(ctx)
			if err != nil {
				return tracerr.Wrap(err)
			}
			if status.Status.IsInitialized() && status.Status.IsReady() {
				return nil
			}
		}
	}
}

// MockClient is a proof server mock used in tests.  It returns an empty
// proof after Delay.
type MockClient struct {
	Delay time.Duration

	submittedAt time.Time
	input       *Input
}

// CalculateProof records the input and starts the mock delay
func (p *MockClient) CalculateProof(ctx context.Context, input *Input) error {
	p.input = input
	p.submittedAt = time.Now()
	return nil
}

// GetProof returns an empty proof once the mock delay passed
func (p *MockClient) GetProof(ctx context.Context) (*Proof, error) {
	if p.input == nil {
		return nil, tracerr.Wrap(errors.New("no input submitted"))
	}
	if time.Since(p.submittedAt) < p.Delay {
		return nil, tracerr.Wrap(ErrProofNotReady)
	}
	return &Proof{Protocol: "groth16"}, nil
}

// Cancel drops the current mock computation
func (p *MockClient) Cancel(ctx context.Context) error {
	p.input = nil
	return nil
}

// WaitReady returns immediately
func (p *MockClient) WaitReady(ctx context.Context) error {
	return nil
}
