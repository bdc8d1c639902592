package prover

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hermeznetwork/tracerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescentzk/crescent-node/common"
)

// proofServer is an in-process stand-in for the external proof server
type proofServer struct {
	mu     sync.Mutex
	status StatusCode
	proof  string
}

func (s *proofServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(Status{Status: s.status, Proof: s.proof})
	})
	mux.HandleFunc("/input", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var input Input
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.status = StatusCodeBusy
	})
	mux.HandleFunc("/cancel", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.status = StatusCodeAborted
	})
	return mux
}

func (s *proofServer) finish(proof string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusCodeSuccess
	s.proof = proof
}

func newTestClient(t *testing.T, srv *proofServer) *ProofServerClient {
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	return NewProofServerClient(ts.URL, 10*time.Millisecond)
}

func TestProofLifecycle(t *testing.T) {
	srv := &proofServer{status: StatusCodeReady}
	client := newTestClient(t, srv)
	ctx := context.Background()

	require.NoError(t, client.WaitReady(ctx))

	input := &Input{BlockNum: 1, PrevRoot: big.NewInt(0), NewRoot: big.NewInt(7)}
	require.NoError(t, client.CalculateProof(ctx, input))

	_, err := client.GetProof(ctx)
	require.Error(t, err)
	assert.Equal(t, ErrProofNotReady, tracerr.Unwrap(err))

	srv.finish(`{"pi_a":["1","2"],"pi_b":[["3","4"]],"pi_c":["5","6"],"protocol":"groth16"}`)
	proof, err := client.GetProof(ctx)
	require.NoError(t, err)
	assert.Equal(t, "groth16", proof.Protocol)
	assert.Equal(t, []string{"1", "2"}, proof.PiA)
}

func TestCancelAborts(t *testing.T) {
	srv := &proofServer{status: StatusCodeReady}
	client := newTestClient(t, srv)
	ctx := context.Background()

	input := &Input{BlockNum: 1, PrevRoot: big.NewInt(0), NewRoot: big.NewInt(7)}
	require.NoError(t, client.CalculateProof(ctx, input))
	require.NoError(t, client.Cancel(ctx))
	require.NoError(t, client.WaitReady(ctx))
}

func TestWaitReadyWhileBooting(t *testing.T) {
	srv := &proofServer{status: StatusCodeInitializing}
	client := newTestClient(t, srv)

	go func() {
		time.Sleep(30 * time.Millisecond)
		srv.mu.Lock()
		srv.status = StatusCodeReady
		srv.mu.Unlock()
	}()
	require.NoError(t, client.WaitReady(context.Background()))
}

func TestNewInput(t *testing.T) {
	block := &common.Block{
		Num:         3,
		Timestamp:   1000,
		PrevRoot:    big.NewInt(11),
		NewRoot:     big.NewInt(22),
		BlockChunks: 6,
	}
	require.NoError(t, block.ComputeCommitment())

	input, err := NewInput(block)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), input.BlockNum)
	assert.Equal(t, block.Commitment, input.Commitment)
	assert.Len(t, input.Pubdata, 6*common.ChunkBytes)
}

func TestMockClient(t *testing.T) {
	mock := &MockClient{}
	ctx := context.Background()

	_, err := mock.GetProof(ctx)
	require.Error(t, err)

	require.NoError(t, mock.CalculateProof(ctx, &Input{BlockNum: 1}))
	proof, err := mock.GetProof(ctx)
	require.NoError(t, err)
	assert.Equal(t, "groth16", proof.Protocol)
}
