package chain

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"github.com/foxzi/chaindoc/internal/compiler"
	"github.com/foxzi/chaindoc/internal/contract"
)

// miner commits blocks on the simulated chain until paused.
type miner struct {
	sim    *simulated.Backend
	paused atomic.Bool
}

// newSimulatedDeployer starts an in-process chain that mines continuously
// and returns a deployer funded on it.
func newSimulatedDeployer(t *testing.T) *Deployer {
	d, _ := newSimulatedChain(t)
	return d
}

func newSimulatedChain(t *testing.T) (*Deployer, *miner) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	operator := crypto.PubkeyToAddress(key.PublicKey)

	balance, _ := new(big.Int).SetString("1000000000000000000000", 10)
	sim := simulated.NewBackend(types.GenesisAlloc{operator: {Balance: balance}})
	t.Cleanup(func() { sim.Close() })

	m := &miner{sim: sim}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !m.paused.Load() {
					sim.Commit()
				}
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := New(context.Background(), sim.Client(), Config{
		PrivateKey:     hexutil.Encode(crypto.FromECDSA(key)),
		Network:        "simulated",
		GasLimit:       500000,
		ConfirmTimeout: 30 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d, m
}

// waitPending blocks until n transactions sit in the pool.
func (m *miner) waitPending(t *testing.T, n uint) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		count, err := m.sim.Client().PendingTransactionCount(context.Background())
		if err == nil && count >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%d pending transactions never arrived", n)
}

// deployTemplate compiles and deploys the generated contract for fields.
func deployTemplate(t *testing.T, d *Deployer, fields, required []string) ContractRef {
	t.Helper()
	if _, err := exec.LookPath("solc"); err != nil {
		t.Skip("solc not installed")
	}

	src, err := contract.Generate("Course Certificate", fields, required)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	res, err := compiler.New(compiler.Config{Timeout: time.Minute}).Compile(context.Background(), src)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	dep, err := d.Deploy(context.Background(), string(res.ABI), res.Bytecode)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	ok, err := d.VerifyDeployment(context.Background(), dep.Address.Hex())
	if err != nil || !ok {
		t.Fatalf("VerifyDeployment() = %v, %v, want true", ok, err)
	}

	return ContractRef{Address: dep.Address.Hex(), ABI: string(res.ABI), FieldOrder: fields}
}

func TestSimulated_IssueVerifyRoundTrip(t *testing.T) {
	d := newSimulatedDeployer(t)
	ctx := context.Background()
	ref := deployTemplate(t, d, []string{"name", "course", "date"}, []string{"name", "course"})

	fields := map[string]string{"name": "Alice", "course": "Go", "date": "2024-05-01"}
	receipt, err := d.IssueDocument(ctx, ref, fields, 0)
	if err != nil {
		t.Fatalf("IssueDocument() error = %v", err)
	}

	status, err := d.VerifyDocument(ctx, ref, fields)
	if err != nil {
		t.Fatalf("VerifyDocument() error = %v", err)
	}
	if !status.Exists || !status.IsValid {
		t.Errorf("status = %+v, want existing and valid", status)
	}
	if status.DocHash != receipt.DocHash {
		t.Errorf("DocHash = %s, want %s", status.DocHash.Hex(), receipt.DocHash.Hex())
	}
	if status.Issuer != d.Operator() {
		t.Errorf("Issuer = %s, want %s", status.Issuer.Hex(), d.Operator().Hex())
	}
	if status.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}

	stored, err := d.ReadDocumentFields(ctx, ref, receipt.DocHash)
	if err != nil {
		t.Fatalf("ReadDocumentFields() error = %v", err)
	}
	for k, v := range fields {
		if stored[k] != v {
			t.Errorf("stored[%q] = %q, want %q", k, stored[k], v)
		}
	}

	// Tampering with one field yields a hash that was never recorded.
	tampered := map[string]string{"name": "Alice", "course": "Rust", "date": "2024-05-01"}
	status, err = d.VerifyDocument(ctx, ref, tampered)
	if err != nil {
		t.Fatalf("VerifyDocument() error = %v", err)
	}
	if status.Exists {
		t.Error("tampered fields verified as existing")
	}
}

func TestSimulated_DuplicateIssuance(t *testing.T) {
	d := newSimulatedDeployer(t)
	ctx := context.Background()
	ref := deployTemplate(t, d, []string{"name"}, []string{"name"})

	fields := map[string]string{"name": "Alice"}
	if _, err := d.IssueDocument(ctx, ref, fields, 0); err != nil {
		t.Fatalf("IssueDocument() error = %v", err)
	}

	_, err := d.IssueDocument(ctx, ref, fields, 0)
	if !errors.Is(err, ErrDuplicateDocument) {
		t.Fatalf("second IssueDocument() error = %v, want ErrDuplicateDocument", err)
	}
}

func TestSimulated_ConcurrentDuplicateIssuance(t *testing.T) {
	d, m := newSimulatedChain(t)
	ctx := context.Background()
	ref := deployTemplate(t, d, []string{"name", "course"}, []string{"name"})

	// Both issuances pass the existence check before either is mined, so
	// they land in one block and the later one reverts.
	m.paused.Store(true)
	fields := map[string]string{"name": "Alice", "course": "Go"}
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := d.IssueDocument(ctx, ref, fields, 0)
			errs <- err
		}()
	}
	m.waitPending(t, 2)
	m.paused.Store(false)

	var issued, duplicates int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			issued++
		case errors.Is(err, ErrDuplicateDocument):
			duplicates++
			if errors.Is(err, ErrBlockchain) {
				t.Errorf("race loser also reported as chain failure: %v", err)
			}
		default:
			t.Errorf("IssueDocument() error = %v, want nil or ErrDuplicateDocument", err)
		}
	}
	if issued != 1 || duplicates != 1 {
		t.Fatalf("issued = %d, duplicates = %d, want 1 and 1", issued, duplicates)
	}

	status, err := d.VerifyDocument(ctx, ref, fields)
	if err != nil {
		t.Fatalf("VerifyDocument() error = %v", err)
	}
	if !status.Exists || !status.IsValid {
		t.Errorf("status = %+v, want existing and valid", status)
	}
}

func TestSimulated_RequiredFieldReverts(t *testing.T) {
	d := newSimulatedDeployer(t)
	ref := deployTemplate(t, d, []string{"name", "course"}, []string{"name", "course"})

	_, err := d.IssueDocument(context.Background(), ref, map[string]string{"name": "Alice"}, 0)
	if !errors.Is(err, ErrBlockchain) {
		t.Fatalf("IssueDocument() error = %v, want ErrBlockchain", err)
	}
	if errors.Is(err, ErrDuplicateDocument) {
		t.Error("revert for an empty required field reported as duplicate")
	}
}

func TestSimulated_Revoke(t *testing.T) {
	d := newSimulatedDeployer(t)
	ctx := context.Background()
	ref := deployTemplate(t, d, []string{"name"}, nil)

	receipt, err := d.IssueDocument(ctx, ref, map[string]string{"name": "Alice"}, 0)
	if err != nil {
		t.Fatalf("IssueDocument() error = %v", err)
	}
	if _, err := d.RevokeDocument(ctx, ref, receipt.DocHash); err != nil {
		t.Fatalf("RevokeDocument() error = %v", err)
	}

	status, err := d.VerifyHash(ctx, ref, receipt.DocHash)
	if err != nil {
		t.Fatalf("VerifyHash() error = %v", err)
	}
	if !status.Exists || status.IsValid {
		t.Errorf("status = %+v, want existing and revoked", status)
	}
}

func TestSimulated_VerifyDeploymentWithoutCode(t *testing.T) {
	d := newSimulatedDeployer(t)

	ok, err := d.VerifyDeployment(context.Background(), common.HexToAddress("0x1234").Hex())
	if err != nil {
		t.Fatalf("VerifyDeployment() error = %v", err)
	}
	if ok {
		t.Error("VerifyDeployment() = true for an address without code")
	}

	if _, err := d.VerifyDeployment(context.Background(), "not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("VerifyDeployment() error = %v, want ErrInvalidAddress", err)
	}
}

func TestNew_TagsComponentOnce(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	sim := simulated.NewBackend(types.GenesisAlloc{})
	t.Cleanup(func() { sim.Close() })

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	if _, err := New(context.Background(), sim.Client(), Config{
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
		Network:    "simulated",
	}, logger); err != nil {
		t.Fatalf("New() error = %v", err)
	}

	line := buf.String()
	if !strings.Contains(line, "deployer ready") {
		t.Fatalf("log = %q, want the ready line", line)
	}
	if n := strings.Count(line, "component=chain"); n != 1 {
		t.Errorf("component=chain appears %d times in %q", n, line)
	}
}

func TestNew_RejectsBadKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(context.Background(), nil, Config{ChainID: 1}, logger); err == nil {
		t.Error("New() should fail without a private key")
	}
	if _, err := New(context.Background(), nil, Config{ChainID: 1, PrivateKey: "0xzz"}, logger); err == nil {
		t.Error("New() should fail with a malformed private key")
	}
}
