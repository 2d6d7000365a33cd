package txtracker

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Mock Implementations
// ============================================================

// mockChainClient implements ChainClient over an in-memory chain.
// Hooks override the in-memory behavior when set.
type mockChainClient struct {
	mu sync.Mutex

	head     uint64
	blocks   map[uint64]*types.Block
	txs      map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	balances map[common.Address]*big.Int
	code     map[common.Address][]byte
	gasPrice *big.Int

	// Function hooks - set these to customize behavior
	TransactionByHashFn func(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumberFn       func(ctx context.Context) (uint64, error)
	BlockByNumberFn     func(ctx context.Context, number *big.Int) (*types.Block, error)
	EstimateGasFn       func(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPriceFn   func(ctx context.Context) (*big.Int, error)
	ReceiptFn           func(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContractFn      func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransactionFn   func(ctx context.Context, tx *types.Transaction) error

	// Call tracking for assertions
	TransactionByHashCalls []common.Hash
	EstimateGasCalls       []ethereum.CallMsg
	SuggestGasPriceCalls   int
	SendTransactionCalls   []*types.Transaction
}

func newMockChainClient() *mockChainClient {
	return &mockChainClient{
		head:     100,
		blocks:   make(map[uint64]*types.Block),
		txs:      make(map[common.Hash]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
		balances: make(map[common.Address]*big.Int),
		code:     make(map[common.Address][]byte),
		gasPrice: twentyGwei,
	}
}

// addTx makes tx visible to TransactionByHash.
func (m *mockChainClient) addTx(tx *types.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.Hash()] = tx
}

// mine appends a block containing txs and returns its number.
func (m *mockChainClient) mine(txs ...*types.Transaction) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head++
	header := &types.Header{Number: new(big.Int).SetUint64(m.head)}
	m.blocks[m.head] = types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
	for _, tx := range txs {
		m.txs[tx.Hash()] = tx
	}
	return m.head
}

// setReceipt records a receipt for tx in block.
func (m *mockChainClient) setReceipt(tx *types.Transaction, block uint64, status uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(block),
		GasUsed:     tx.Gas(),
	}
}

func (m *mockChainClient) setHead(head uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = head
}

func (m *mockChainClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	m.mu.Lock()
	m.TransactionByHashCalls = append(m.TransactionByHashCalls, hash)
	fn := m.TransactionByHashFn
	tx, ok := m.txs[hash]
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, hash)
	}
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, true, nil
}

func (m *mockChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	fn := m.BlockNumberFn
	head := m.head
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return head, nil
}

func (m *mockChainClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	m.mu.Lock()
	fn := m.BlockByNumberFn
	block, ok := m.blocks[number.Uint64()]
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, number)
	}
	if !ok {
		// empty block
		return types.NewBlockWithHeader(&types.Header{Number: new(big.Int).Set(number)}), nil
	}
	return block, nil
}

func (m *mockChainClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	m.mu.Lock()
	m.EstimateGasCalls = append(m.EstimateGasCalls, msg)
	fn := m.EstimateGasFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return 21000, nil
}

func (m *mockChainClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	m.SuggestGasPriceCalls++
	fn := m.SuggestGasPriceFn
	price := m.gasPrice
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return new(big.Int).Set(price), nil
}

func (m *mockChainClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	fn := m.ReceiptFn
	receipt, ok := m.receipts[hash]
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, hash)
	}
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (m *mockChainClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (m *mockChainClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code[account], nil
}

func (m *mockChainClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m.mu.Lock()
	fn := m.CallContractFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg, blockNumber)
	}
	return nil, nil
}

func (m *mockChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	m.SendTransactionCalls = append(m.SendTransactionCalls, tx)
	fn := m.SendTransactionFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, tx)
	}
	m.addTx(tx)
	return nil
}

func (m *mockChainClient) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(chainIDMain), nil
}

// mockSender implements Sender for testing
type mockSender struct {
	mu sync.Mutex

	SendTransferFn func(ctx context.Context, intent TransferIntent) (common.Hash, error)

	SendTransferCalls []TransferIntent
}

func (m *mockSender) SendTransfer(ctx context.Context, intent TransferIntent) (common.Hash, error) {
	m.mu.Lock()
	m.SendTransferCalls = append(m.SendTransferCalls, intent)
	fn := m.SendTransferFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, intent)
	}
	return common.Hash{}, nil
}

// mockFeeOracle implements FeeOracle for testing
type mockFeeOracle struct {
	mu sync.Mutex

	QuoteFn func(ctx context.Context, chainID uint64) (*GasQuote, error)

	QuoteCalls []uint64
}

func (m *mockFeeOracle) Quote(ctx context.Context, chainID uint64) (*GasQuote, error) {
	m.mu.Lock()
	m.QuoteCalls = append(m.QuoteCalls, chainID)
	fn := m.QuoteFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, chainID)
	}
	return testQuote(), nil
}

// mockStateStore implements StateStore in memory
type mockStateStore struct {
	mu sync.Mutex

	state   *State
	wallet  *WalletContext
	history []*TrackedTransaction

	SaveStateFn func(ctx context.Context, state State) error

	SaveStateCalls []State
}

func (m *mockStateStore) SaveState(ctx context.Context, state State) error {
	m.mu.Lock()
	m.SaveStateCalls = append(m.SaveStateCalls, state.Clone())
	fn := m.SaveStateFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil || m.state.Version <= state.Version {
		s := state.Clone()
		m.state = &s
	}
	return nil
}

func (m *mockStateStore) LoadState(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	s := m.state.Clone()
	return &s, nil
}

func (m *mockStateStore) SaveWalletContext(ctx context.Context, wc WalletContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallet = &wc
	return nil
}

func (m *mockStateStore) LoadWalletContext(ctx context.Context) (*WalletContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wallet == nil {
		return nil, nil
	}
	wc := *m.wallet
	return &wc, nil
}

func (m *mockStateStore) AppendHistory(ctx context.Context, wc WalletContext, tx *TrackedTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, tx.clone())
	return nil
}

func (m *mockStateStore) historyLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// mockEventSink implements EventSink for testing
type mockEventSink struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventSink) Publish(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockEventSink) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Action)
	}
	return out
}

// mockBroadcaster implements TxBroadcaster for testing
type mockBroadcaster struct {
	mu sync.Mutex

	BroadcastTxFn func(tx *types.Transaction) (string, bool, error)

	BroadcastTxCalls []*types.Transaction
}

func (m *mockBroadcaster) BroadcastTx(tx *types.Transaction) (string, bool, error) {
	m.mu.Lock()
	m.BroadcastTxCalls = append(m.BroadcastTxCalls, tx)
	fn := m.BroadcastTxFn
	m.mu.Unlock()
	if fn != nil {
		return fn(tx)
	}
	return tx.Hash().Hex(), true, nil
}

// ============================================================
// Test Fixtures
// ============================================================

var (
	testAddr1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testAddr2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testToken = common.HexToAddress("0x3333333333333333333333333333333333333333")

	testPrivateKey1, _ = crypto.HexToECDSA("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	testPrivateKey2, _ = crypto.HexToECDSA("fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210")

	oneEth      = big.NewInt(1000000000000000000)
	twentyGwei  = big.NewInt(20000000000)
	twoGwei     = big.NewInt(2000000000)
	chainIDMain = big.NewInt(1)

	testWallet = WalletContext{Address: crypto.PubkeyToAddress(testPrivateKey1.PublicKey), ChainID: 1}
	ethToken   = TokenRef{IsNative: true, Decimals: 18, Symbol: "ETH"}
	usdcToken  = TokenRef{Address: testToken, Decimals: 6, Symbol: "USDC"}
)

// testQuote suggests 1/2/3 gwei tips and 20/30/40 gwei max fees.
func testQuote() *GasQuote {
	return &GasQuote{
		ChainID: 1,
		Low:     &TierFees{SuggestedMaxPriorityFeePerGasGwei: "1", SuggestedMaxFeePerGasGwei: "20", MinWaitTimeEstimateMs: 15000, MaxWaitTimeEstimateMs: 60000},
		Medium:  &TierFees{SuggestedMaxPriorityFeePerGasGwei: "2", SuggestedMaxFeePerGasGwei: "30", MinWaitTimeEstimateMs: 15000, MaxWaitTimeEstimateMs: 45000},
		High:    &TierFees{SuggestedMaxPriorityFeePerGasGwei: "3", SuggestedMaxFeePerGasGwei: "40", MinWaitTimeEstimateMs: 15000, MaxWaitTimeEstimateMs: 30000},
	}
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func newTestDynamicTx(nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasTipCap, gasFeeCap *big.Int, chainID *big.Int) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
	})
}

func signTx(t *testing.T, key *ecdsa.PrivateKey, tx *types.Transaction) *types.Transaction {
	t.Helper()
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainIDMain), key)
	require.NoError(t, err)
	return signed
}

// newSignedTx signs a 21000 gas transfer from testPrivateKey1.
func newSignedTx(t *testing.T, nonce uint64, tip, feeCap *big.Int) *types.Transaction {
	t.Helper()
	return signTx(t, testPrivateKey1, newTestDynamicTx(nonce, testAddr2, oneEth, 21000, tip, feeCap, chainIDMain))
}

// ============================================================
// Test Helpers
// ============================================================

// testSetup contains all the mocks needed for a typical tracker test
type testSetup struct {
	Tracker *Tracker
	Client  *mockChainClient
	Oracle  *mockFeeOracle
	Store   *mockStateStore
	Sink    *mockEventSink
}

// newTestSetup creates a tracker polling the mocks every few milliseconds
func newTestSetup(t *testing.T, opts ...TrackerOption) *testSetup {
	t.Helper()

	client := newMockChainClient()
	oracle := &mockFeeOracle{}
	store := &mockStateStore{}
	sink := &mockEventSink{}

	base := []TrackerOption{
		WithFeeOracle(oracle),
		WithStateStore(store),
		WithEventSink(sink),
		WithBlockPollInterval(5 * time.Millisecond),
		WithReceiptPollInterval(5 * time.Millisecond),
		WithConfirmations(1),
		WithFetchRetry(3, 5*time.Millisecond),
	}
	tracker := NewTracker(StaticClient{ChainClient: client}, testWallet, append(base, opts...)...)
	t.Cleanup(tracker.Close)

	return &testSetup{
		Tracker: tracker,
		Client:  client,
		Oracle:  oracle,
		Store:   store,
		Sink:    sink,
	}
}

// waitForPhase waits until the tracker reaches phase
func waitForPhase(t *testing.T, tracker *Tracker, phase Phase) State {
	t.Helper()
	var state State
	require.Eventually(t, func() bool {
		state = tracker.Snapshot()
		return state.Phase == phase
	}, 2*time.Second, 5*time.Millisecond, "phase %s not reached", phase)
	return state
}

// nextNotice waits for the next notice
func nextNotice(t *testing.T, tracker *Tracker) Notice {
	t.Helper()
	select {
	case n := <-tracker.Notices():
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notice received")
	}
	return Notice{}
}
