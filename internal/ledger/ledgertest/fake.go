// Package ledgertest provides an in-memory ledger implementing ledger.Gateway
// for tests. It models balances, trust lines, account metadata, constant-rate
// swaps and proportional liquidity pools, and applies every transaction in its
// own validated ledger.
package ledgertest

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/vaultd/internal/ledger"
	"github.com/elys-network/vaultd/internal/types"
)

// LedgerWindow is the LastLedgerSequence offset reported to OnSigned.
const LedgerWindow = 20

// CodeIndeterminate scripts a submission whose outcome is reported as unknown.
const CodeIndeterminate = "indeterminate"

type holding struct {
	balance sdkmath.LegacyDec
	limit   sdkmath.LegacyDec
}

type txRecord struct {
	status ledger.TxStatus
}

type failure struct {
	txType ledger.TxType
	code   string
	apply  bool
}

// Ledger is a deterministic in-memory ledger.
type Ledger struct {
	mu sync.Mutex

	ledgerIndex uint32
	counter     int

	domains  map[string][]byte
	holdings map[string]map[types.Asset]*holding
	pools    map[string]*types.PoolState
	rates    map[[2]types.Asset]sdkmath.LegacyDec

	txs     map[string]*txRecord
	history []ledger.AccountEvent
	subs    map[string][]chan ledger.AccountEvent

	submitted         []ledger.Transaction
	failures          []failure
	quotesUnavailable bool
	poolsUnavailable  bool
	linesUnavailable  bool
	closed            bool
}

var _ ledger.Gateway = (*Ledger)(nil)

// New returns an empty ledger at index 1.
func New() *Ledger {
	return &Ledger{
		ledgerIndex: 1,
		domains:     make(map[string][]byte),
		holdings:    make(map[string]map[types.Asset]*holding),
		pools:       make(map[string]*types.PoolState),
		rates:       make(map[[2]types.Asset]sdkmath.LegacyDec),
		txs:         make(map[string]*txRecord),
		subs:        make(map[string][]chan ledger.AccountEvent),
	}
}

// --- Test setup helpers ---

// Fund credits holder with amount, creating the trust line if needed.
func (l *Ledger) Fund(holder string, amount types.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.holdingFor(holder, amount.Asset)
	h.balance = h.balance.Add(amount.Value)
}

// AddTrustLine creates a trust line held by holder with the given balance.
func (l *Ledger) AddTrustLine(holder string, asset types.Asset, balance sdkmath.LegacyDec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.holdingFor(holder, asset)
	h.balance = balance
}

// SetDomain writes raw metadata bytes for address.
func (l *Ledger) SetDomain(address string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.domains[address] = append([]byte(nil), data...)
}

// AddPool registers a pool.
func (l *Ledger) AddPool(pool types.PoolState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := pool
	l.pools[pool.Account] = &p
}

// GrowPool adds delta to the pool's reserve of asset without minting pool shares,
// as accrued trading fees would.
func (l *Ledger) GrowPool(account string, asset types.Asset, delta sdkmath.LegacyDec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pools[account]
	if p.Asset.Equal(asset) {
		p.Reserve = p.Reserve.Add(delta)
	} else {
		p.Reserve2 = p.Reserve2.Add(delta)
	}
}

// SetRate sets the swap rate: units of to delivered per unit of from spent.
func (l *Ledger) SetRate(from, to types.Asset, rate sdkmath.LegacyDec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rates[[2]types.Asset{from, to}] = rate
}

// SetQuotesUnavailable makes QuoteSwap fail.
func (l *Ledger) SetQuotesUnavailable(unavailable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotesUnavailable = unavailable
}

// SetPoolsUnavailable makes PoolState fail.
func (l *Ledger) SetPoolsUnavailable(unavailable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.poolsUnavailable = unavailable
}

// SetTrustLinesUnavailable makes TrustLines fail.
func (l *Ledger) SetTrustLinesUnavailable(unavailable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.linesUnavailable = unavailable
}

// FailNext scripts the next submission of txType to end with code. With apply
// set the transaction is applied first, which models an indeterminate
// submission that did reach the ledger.
func (l *Ledger) FailNext(txType ledger.TxType, code string, apply bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, failure{txType: txType, code: code, apply: apply})
}

// Balance returns holder's balance of asset.
func (l *Ledger) Balance(holder string, asset types.Asset) sdkmath.LegacyDec {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holdings[holder][asset]; ok {
		return h.balance
	}
	return sdkmath.LegacyZeroDec()
}

// Pool returns a copy of the pool state.
func (l *Ledger) Pool(account string) types.PoolState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.pools[account]
}

// Submitted returns every transaction submitted through SubmitAndWait.
func (l *Ledger) Submitted() []ledger.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Transaction(nil), l.submitted...)
}

// SubmittedCount counts submissions of txType.
func (l *Ledger) SubmittedCount(txType ledger.TxType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, tx := range l.submitted {
		if tx.Type == txType {
			n++
		}
	}
	return n
}

// Pay applies a payment on behalf of an external account and streams it to
// subscribers, returning the hash.
func (l *Ledger) Pay(from, to string, amount types.Amount) (string, error) {
	tx, err := ledger.NewPayment(from, to, amount)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	hash, code := l.apply(tx)
	if code != "tesSUCCESS" {
		return hash, fmt.Errorf("payment failed: %s", code)
	}
	return hash, nil
}

// Inject streams an arbitrary event and records it in account history.
func (l *Ledger) Inject(event ledger.AccountEvent) ledger.AccountEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ledgerIndex++
	l.counter++
	if event.Hash == "" {
		event.Hash = fmt.Sprintf("%064X", l.counter)
	}
	event.LedgerIndex = l.ledgerIndex
	event.Validated = true
	l.record(event)
	return event
}

// LedgerIndex returns the last closed ledger index.
func (l *Ledger) LedgerIndex() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ledgerIndex
}

// --- Gateway implementation ---

// SubmitAndWait implements ledger.Gateway.
func (l *Ledger) SubmitAndWait(ctx context.Context, tx ledger.Transaction, signer ledger.Signer, opts ledger.SubmitOptions) (*ledger.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if signer.Address != tx.Account {
		return nil, fmt.Errorf("signer %s does not match transaction account %s", signer.Address, tx.Account)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ledger.ErrClosed
	}
	l.counter++
	hash := fmt.Sprintf("%064X", l.counter)
	lastLedger := l.ledgerIndex + LedgerWindow
	l.mu.Unlock()

	if opts.OnSigned != nil {
		if err := opts.OnSigned(hash, lastLedger); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitted = append(l.submitted, tx)

	if f, ok := l.takeFailure(tx.Type); ok {
		switch {
		case f.code == CodeIndeterminate && f.apply:
			l.applyWithHash(tx, hash)
			return nil, ledger.NewIndeterminate(hash, "", lastLedger, fmt.Errorf("connection lost"))
		case f.code == CodeIndeterminate:
			return nil, ledger.NewIndeterminate(hash, "", lastLedger, fmt.Errorf("connection lost"))
		case ledger.Classify(f.code) == ledger.ClassClaimed:
			l.recordResult(tx, hash, f.code, nil)
			return nil, ledger.NewRejected(hash, f.code, lastLedger)
		default:
			return nil, ledger.NewRejected(hash, f.code, lastLedger)
		}
	}

	code, delivered := l.applyWithHash(tx, hash)
	if code != "tesSUCCESS" {
		return nil, ledger.NewRejected(hash, code, lastLedger)
	}
	return &ledger.SubmitResult{Hash: hash, Result: code, LedgerIndex: l.ledgerIndex, Delivered: delivered}, nil
}

// TransactionStatus implements ledger.Gateway. Unknown hashes are reported as
// expired since the fake ledger never holds transactions back.
func (l *Ledger) TransactionStatus(ctx context.Context, hash string, lastLedger uint32) (*ledger.TxStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.txs[hash]
	if !ok {
		return &ledger.TxStatus{Hash: hash, Expired: true}, nil
	}
	status := rec.status
	return &status, nil
}

// SubscribeAccount implements ledger.Gateway.
func (l *Ledger) SubscribeAccount(ctx context.Context, address string) (<-chan ledger.AccountEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ledger.ErrClosed
	}
	ch := make(chan ledger.AccountEvent, 1000)
	l.subs[address] = append(l.subs[address], ch)

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		subs := l.subs[address]
		for i, s := range subs {
			if s == ch {
				l.subs[address] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

// AccountTransactions implements ledger.Gateway.
func (l *Ledger) AccountTransactions(ctx context.Context, address string, fromLedger uint32) ([]ledger.AccountEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.AccountEvent
	for _, e := range l.history {
		if e.LedgerIndex < fromLedger {
			continue
		}
		if e.Account == address || e.Destination == address {
			out = append(out, e)
		}
	}
	return out, nil
}

// AccountMetadata implements ledger.Gateway.
func (l *Ledger) AccountMetadata(ctx context.Context, address string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.domains[address]
	if !ok || len(data) == 0 {
		return nil, fmt.Errorf("%w: account %s has no metadata", ledger.ErrNotFound, address)
	}
	return append([]byte(nil), data...), nil
}

// TrustLines implements ledger.Gateway.
func (l *Ledger) TrustLines(ctx context.Context, address string) ([]ledger.TrustLine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.linesUnavailable {
		return nil, fmt.Errorf("%w: account lines unavailable", ledger.ErrRequestFailed)
	}
	var lines []ledger.TrustLine
	for asset, h := range l.holdings[address] {
		if asset.IsNative() {
			continue
		}
		lines = append(lines, ledger.TrustLine{
			Account:  asset.Issuer,
			Currency: asset.Currency,
			Balance:  h.balance,
			Limit:    h.limit,
		})
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Account != lines[j].Account {
			return lines[i].Account < lines[j].Account
		}
		return lines[i].Currency < lines[j].Currency
	})
	return lines, nil
}

// PoolState implements ledger.Gateway.
func (l *Ledger) PoolState(ctx context.Context, poolAccount string) (*types.PoolState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poolsUnavailable {
		return nil, fmt.Errorf("%w: pool state unavailable", ledger.ErrRequestFailed)
	}
	p, ok := l.pools[poolAccount]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ledger.ErrNotFound, poolAccount)
	}
	state := *p
	return &state, nil
}

// QuoteSwap implements ledger.Gateway.
func (l *Ledger) QuoteSwap(ctx context.Context, account string, send types.Amount, receive types.Asset) (*ledger.SwapQuote, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quotesUnavailable {
		return nil, ledger.ErrQuoteUnavailable
	}
	rate, ok := l.rates[[2]types.Asset{send.Asset, receive}]
	if !ok {
		return nil, fmt.Errorf("%w: %s to %s", ledger.ErrQuoteUnavailable, send.Asset, receive)
	}
	return &ledger.SwapQuote{Send: send, Deliver: types.NewAmount(receive, send.Value.Mul(rate))}, nil
}

// Close implements ledger.Gateway.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for address, subs := range l.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(l.subs, address)
	}
	return nil
}

// --- Transaction application (callers hold l.mu) ---

func (l *Ledger) takeFailure(txType ledger.TxType) (failure, bool) {
	for i, f := range l.failures {
		if f.txType == txType {
			l.failures = append(l.failures[:i], l.failures[i+1:]...)
			return f, true
		}
	}
	return failure{}, false
}

func (l *Ledger) holdingFor(holder string, asset types.Asset) *holding {
	if l.holdings[holder] == nil {
		l.holdings[holder] = make(map[types.Asset]*holding)
	}
	h, ok := l.holdings[holder][asset]
	if !ok {
		h = &holding{balance: sdkmath.LegacyZeroDec(), limit: sdkmath.LegacyZeroDec()}
		l.holdings[holder][asset] = h
	}
	return h
}

func (l *Ledger) balanceOf(holder string, asset types.Asset) sdkmath.LegacyDec {
	if h, ok := l.holdings[holder][asset]; ok {
		return h.balance
	}
	return sdkmath.LegacyZeroDec()
}

// debit removes value from holder; issuers have unlimited supply of their own tokens.
func (l *Ledger) debit(holder string, asset types.Asset, value sdkmath.LegacyDec) bool {
	if asset.Issuer == holder {
		return true
	}
	h := l.holdingFor(holder, asset)
	if h.balance.LT(value) {
		return false
	}
	h.balance = h.balance.Sub(value)
	return true
}

// credit adds value to holder; tokens sent back to their issuer are destroyed.
func (l *Ledger) credit(holder string, asset types.Asset, value sdkmath.LegacyDec) {
	if asset.Issuer == holder {
		return
	}
	h := l.holdingFor(holder, asset)
	h.balance = h.balance.Add(value)
}

func (l *Ledger) apply(tx ledger.Transaction) (string, string) {
	l.counter++
	hash := fmt.Sprintf("%064X", l.counter)
	code, _ := l.applyWithHash(tx, hash)
	return hash, code
}

func (l *Ledger) applyWithHash(tx ledger.Transaction, hash string) (string, *types.Amount) {
	code, delivered := l.execute(tx)
	l.recordResult(tx, hash, code, delivered)
	return code, delivered
}

func (l *Ledger) recordResult(tx ledger.Transaction, hash, code string, delivered *types.Amount) {
	l.ledgerIndex++
	l.txs[hash] = &txRecord{status: ledger.TxStatus{
		Hash:        hash,
		Found:       true,
		Validated:   true,
		Result:      code,
		LedgerIndex: l.ledgerIndex,
		Delivered:   delivered,
	}}
	l.record(ledger.AccountEvent{
		Hash:        hash,
		LedgerIndex: l.ledgerIndex,
		Validated:   true,
		Result:      code,
		Type:        tx.Type,
		Account:     tx.Account,
		Destination: tx.Destination,
		Delivered:   delivered,
	})
}

func (l *Ledger) record(event ledger.AccountEvent) {
	l.history = append(l.history, event)
	targets := []string{event.Account}
	if event.Destination != "" && event.Destination != event.Account {
		targets = append(targets, event.Destination)
	}
	for _, address := range targets {
		for _, ch := range l.subs[address] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

func (l *Ledger) execute(tx ledger.Transaction) (string, *types.Amount) {
	switch tx.Type {
	case ledger.TxPayment:
		if tx.Account == tx.Destination {
			return l.executeSwap(tx)
		}
		if !l.debit(tx.Account, tx.Amount.Asset, tx.Amount.Value) {
			return "tecUNFUNDED_PAYMENT", nil
		}
		l.credit(tx.Destination, tx.Amount.Asset, tx.Amount.Value)
		delivered := *tx.Amount
		return "tesSUCCESS", &delivered

	case ledger.TxTrustSet:
		h := l.holdingFor(tx.Account, tx.LimitAmount.Asset)
		h.limit = tx.LimitAmount.Value
		return "tesSUCCESS", nil

	case ledger.TxAccountSet:
		data, err := hex.DecodeString(tx.Domain)
		if err != nil {
			return "temMALFORMED", nil
		}
		l.domains[tx.Account] = data
		return "tesSUCCESS", nil

	case ledger.TxAMMDeposit, ledger.TxAMMWithdraw:
		return l.executePool(tx), nil

	case ledger.TxClawback:
		h, ok := l.holdings[tx.Holder][tx.Amount.Asset]
		if !ok {
			return "tecNO_LINE", nil
		}
		h.balance = h.balance.Sub(sdkmathMin(h.balance, tx.Amount.Value))
		return "tesSUCCESS", nil

	default:
		return "temUNKNOWN", nil
	}
}

func (l *Ledger) executeSwap(tx ledger.Transaction) (string, *types.Amount) {
	if tx.SendMax == nil {
		return "temBAD_SEND_XRP_MAX", nil
	}
	rate, ok := l.rates[[2]types.Asset{tx.SendMax.Asset, tx.Amount.Asset}]
	if !ok || !rate.IsPositive() {
		return "tecPATH_DRY", nil
	}

	var delivered, spent sdkmath.LegacyDec
	if tx.Flags&ledger.TfPartialPayment != 0 {
		delivered = sdkmathMin(tx.Amount.Value, tx.SendMax.Value.Mul(rate))
		if tx.DeliverMin != nil && delivered.LT(tx.DeliverMin.Value) {
			return "tecPATH_PARTIAL", nil
		}
		spent = delivered.Quo(rate)
	} else {
		delivered = tx.Amount.Value
		spent = delivered.Quo(rate)
		if spent.GT(tx.SendMax.Value) {
			return "tecPATH_PARTIAL", nil
		}
	}

	if !l.debit(tx.Account, tx.SendMax.Asset, spent) {
		return "tecUNFUNDED_PAYMENT", nil
	}
	l.credit(tx.Account, tx.Amount.Asset, delivered)
	out := types.NewAmount(tx.Amount.Asset, delivered)
	return "tesSUCCESS", &out
}

func (l *Ledger) executePool(tx ledger.Transaction) string {
	var pool *types.PoolState
	for _, p := range l.pools {
		if (p.Asset.Equal(*tx.Asset) && p.Asset2.Equal(*tx.Asset2)) || (p.Asset.Equal(*tx.Asset2) && p.Asset2.Equal(*tx.Asset)) {
			pool = p
			break
		}
	}
	if pool == nil {
		return "terNO_AMM"
	}

	reserve, ok := pool.ReserveOf(tx.Amount.Asset)
	if !ok || !reserve.IsPositive() || !pool.LPSupply.IsPositive() {
		return "tecAMM_BALANCE"
	}
	units := tx.Amount.Value.Mul(pool.LPSupply).Quo(reserve)

	if tx.Type == ledger.TxAMMDeposit {
		if !l.debit(tx.Account, tx.Amount.Asset, tx.Amount.Value) {
			return "tecUNFUNDED_AMM"
		}
		setReserve(pool, tx.Amount.Asset, reserve.Add(tx.Amount.Value))
		pool.LPSupply = pool.LPSupply.Add(units)
		l.credit(tx.Account, pool.LPToken, units)
		return "tesSUCCESS"
	}

	if tx.Amount.Value.GTE(reserve) || units.GT(l.balanceOf(tx.Account, pool.LPToken)) {
		return "tecAMM_BALANCE"
	}
	l.debit(tx.Account, pool.LPToken, units)
	setReserve(pool, tx.Amount.Asset, reserve.Sub(tx.Amount.Value))
	pool.LPSupply = pool.LPSupply.Sub(units)
	l.credit(tx.Account, tx.Amount.Asset, tx.Amount.Value)
	return "tesSUCCESS"
}

func setReserve(pool *types.PoolState, asset types.Asset, value sdkmath.LegacyDec) {
	if pool.Asset.Equal(asset) {
		pool.Reserve = value
	} else {
		pool.Reserve2 = value
	}
}

func sdkmathMin(a, b sdkmath.LegacyDec) sdkmath.LegacyDec {
	if a.LT(b) {
		return a
	}
	return b
}
