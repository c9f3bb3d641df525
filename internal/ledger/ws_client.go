package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/elys-network/vaultd/internal/logger"
	"github.com/elys-network/vaultd/internal/observability"
	"github.com/elys-network/vaultd/internal/types"
	"github.com/elys-network/vaultd/internal/utils"
)

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// RequestTimeout bounds a single command round trip.
	RequestTimeout time.Duration
	// SubmitTimeout bounds waiting for a submitted transaction to validate.
	SubmitTimeout time.Duration
	// PollInterval is the interval between status queries while awaiting validation.
	PollInterval time.Duration
	// LedgerWindow is added to the current ledger index to form LastLedgerSequence.
	LedgerWindow uint32
	// EventBuffer is the channel capacity of each account subscription.
	EventBuffer int
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		RequestTimeout:    20 * time.Second,
		SubmitTimeout:     90 * time.Second,
		PollInterval:      1 * time.Second,
		LedgerWindow:      20,
		EventBuffer:       1000,
	}
}

// RequestError is an error response returned by the node.
type RequestError struct {
	Command string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s: %s %s", ErrRequestFailed, e.Command, e.Code, e.Message)
}

func (e *RequestError) Unwrap() error {
	switch e.Code {
	case "txnNotFound", "actNotFound", "entryNotFound", "objectNotFound":
		return ErrNotFound
	default:
		return ErrRequestFailed
	}
}

type wsEnvelope struct {
	ID           *uint64         `json:"id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result"`
	Error        string          `json:"error"`
	ErrorMessage string          `json:"error_message"`

	// Transaction stream fields
	Transaction json.RawMessage `json:"transaction"`
	TxJSON      json.RawMessage `json:"tx_json"`
	Hash        string          `json:"hash"`
	Meta        json.RawMessage `json:"meta"`
	LedgerIndex uint32          `json:"ledger_index"`
	Validated   bool            `json:"validated"`
}

type wsResponse struct {
	result json.RawMessage
	err    error
}

type subscription struct {
	address string
	ch      chan AccountEvent
	quit    chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func newSubscription(address string, buffer int) *subscription {
	return &subscription{
		address: address,
		ch:      make(chan AccountEvent, buffer),
		quit:    make(chan struct{}),
	}
}

// deliver blocks until the event is buffered, the subscription ends or the client closes.
func (s *subscription) deliver(event AccountEvent, done <-chan struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	case <-s.quit:
	case <-done:
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.quit)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// WSClient implements Gateway over the node's WebSocket command protocol.
type WSClient struct {
	endpoint string
	config   WSClientConfig
	metrics  *observability.Metrics
	logger   zerolog.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	// pending maps request ID to the channel waiting for its response
	pending   map[uint64]chan wsResponse
	pendingMu sync.Mutex

	// subs maps account address to its subscribers
	subs   map[string][]*subscription
	subsMu sync.RWMutex

	// done signals shutdown
	done chan struct{}
	wg   sync.WaitGroup

	// reconnecting indicates reconnection in progress
	reconnecting atomic.Bool
}

var _ Gateway = (*WSClient)(nil)

// NewWSClient creates a new WebSocket client and connects to the endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig, metrics *observability.Metrics) (*WSClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if endpoint == "" {
		return nil, fmt.Errorf("ledger endpoint is required")
	}

	c := &WSClient{
		endpoint: endpoint,
		config:   cfg,
		metrics:  metrics,
		logger:   logger.GetForComponent("ledger_client"),
		pending:  make(map[uint64]chan wsResponse),
		subs:     make(map[string][]*subscription),
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	// Start reader goroutine
	c.wg.Add(1)
	go c.readLoop()

	// Start ping goroutine
	c.wg.Add(1)
	go c.pingLoop()

	c.logger.Info().Str("endpoint", endpoint).Msg("Connected to ledger node")
	return c, nil
}

// connect establishes WebSocket connection.
func (c *WSClient) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	return nil
}

// request sends a command and waits for its response.
func (c *WSClient) request(ctx context.Context, command string, params map[string]any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	reqID := c.requestID.Add(1)
	msg := make(map[string]any, len(params)+2)
	for k, v := range params {
		msg[k] = v
	}
	msg["id"] = reqID
	msg["command"] = command

	respCh := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return nil, ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", command, err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrClosed
		}
		var reqErr *RequestError
		if errors.As(resp.err, &reqErr) {
			reqErr.Command = command
		}
		return resp.result, resp.err
	case <-timer.C:
		return nil, fmt.Errorf("%s: request timeout after %s", command, c.config.RequestTimeout)
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	// Close all subscription channels
	c.subsMu.Lock()
	for address, subs := range c.subs {
		for _, sub := range subs {
			sub.close()
		}
		delete(c.subs, address)
	}
	c.subsMu.Unlock()

	c.failPending(ErrClosed)

	c.wg.Wait()
	c.logger.Info().Msg("Ledger client closed")
	return nil
}

// failPending completes every in-flight request with err.
func (c *WSClient) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- wsResponse{err: err}:
		default:
		}
		delete(c.pending, id)
	}
}

// readLoop reads messages from WebSocket and dispatches responses and stream events.
func (c *WSClient) readLoop() {
	defer c.wg.Done()

	reconnectDelay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			// In-flight requests lose their responses with the connection.
			c.failPending(fmt.Errorf("%w: %v", ErrNotConnected, err))

			// Connection error - attempt reconnect with exponential backoff
			if !c.reconnecting.Swap(true) {
				c.logger.Warn().Err(err).Dur("delay", reconnectDelay).Msg("Ledger connection lost, reconnecting")
				go c.reconnect(reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > c.config.MaxReconnectDelay {
				reconnectDelay = c.config.MaxReconnectDelay
			}

			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		// Reset delay on successful read
		reconnectDelay = c.config.ReconnectDelay

		c.handleMessage(message)
	}
}

// reconnect attempts to reconnect and resubscribe.
func (c *WSClient) reconnect(delay time.Duration) {
	defer c.reconnecting.Store(false)

	if c.closed.Load() {
		return
	}

	select {
	case <-c.done:
		return
	case <-time.After(delay):
	}

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.connect(ctx); err != nil {
		// Reconnect failed, will retry on next read error
		c.logger.Warn().Err(err).Msg("Reconnect failed")
		return
	}
	c.metrics.Reconnected()
	c.logger.Info().Msg("Reconnected to ledger node")

	c.resubscribeAll()
}

// resubscribeAll re-registers every subscribed account after reconnect.
func (c *WSClient) resubscribeAll() {
	c.subsMu.RLock()
	addresses := make([]string, 0, len(c.subs))
	for address := range c.subs {
		addresses = append(addresses, address)
	}
	c.subsMu.RUnlock()

	if len(addresses) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()
	if _, err := c.request(ctx, "subscribe", map[string]any{"accounts": addresses}); err != nil {
		c.logger.Error().Err(err).Int("accounts", len(addresses)).Msg("Failed to resubscribe accounts")
	}
}

// pingLoop keeps the connection alive.
func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.logger.Debug().Err(err).Msg("Ping failed")
				}
			}
			c.connMu.Unlock()
		}
	}
}

// handleMessage routes a response to its waiting request or a stream message to subscribers.
func (c *WSClient) handleMessage(message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Warn().Err(err).Msg("Discarding unparseable ledger message")
		return
	}

	if env.ID != nil && (env.Type == "response" || env.Type == "") {
		c.pendingMu.Lock()
		ch, ok := c.pending[*env.ID]
		c.pendingMu.Unlock()
		if !ok {
			return
		}
		resp := wsResponse{result: env.Result}
		if env.Status == "error" || env.Error != "" {
			resp = wsResponse{err: &RequestError{Code: env.Error, Message: env.ErrorMessage}}
		}
		select {
		case ch <- resp:
		default:
		}
		return
	}

	if env.Type == "transaction" {
		c.dispatchTransaction(env)
	}
}

func (c *WSClient) dispatchTransaction(env wsEnvelope) {
	raw := env.Transaction
	if len(raw) == 0 {
		raw = env.TxJSON
	}
	var tx wireTx
	if err := json.Unmarshal(raw, &tx); err != nil {
		c.logger.Warn().Err(err).Msg("Discarding unparseable transaction message")
		return
	}
	var meta wireMeta
	if len(env.Meta) > 0 {
		if err := json.Unmarshal(env.Meta, &meta); err != nil {
			c.logger.Warn().Err(err).Str("txHash", tx.Hash).Msg("Discarding transaction with unparseable metadata")
			return
		}
	}

	event, err := eventFromWire(tx, meta, env.LedgerIndex, env.Validated, env.Hash)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Discarding transaction message")
		return
	}

	targets := []string{event.Account}
	if event.Destination != "" && event.Destination != event.Account {
		targets = append(targets, event.Destination)
	}

	c.subsMu.RLock()
	var subs []*subscription
	for _, address := range targets {
		subs = append(subs, c.subs[address]...)
	}
	c.subsMu.RUnlock()

	for _, sub := range subs {
		sub.deliver(event, c.done)
	}
}

// SubscribeAccount implements Gateway.
func (c *WSClient) SubscribeAccount(ctx context.Context, address string) (<-chan AccountEvent, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	sub := newSubscription(address, c.config.EventBuffer)

	c.subsMu.Lock()
	first := len(c.subs[address]) == 0
	c.subs[address] = append(c.subs[address], sub)
	c.subsMu.Unlock()

	if first {
		if _, err := c.request(ctx, "subscribe", map[string]any{"accounts": []string{address}}); err != nil {
			c.removeSubscription(sub)
			return nil, fmt.Errorf("subscribe %s: %w", address, err)
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			c.removeSubscription(sub)
		case <-c.done:
		}
	}()

	c.logger.Debug().Str("account", address).Msg("Subscribed to account stream")
	return sub.ch, nil
}

func (c *WSClient) removeSubscription(sub *subscription) {
	c.subsMu.Lock()
	subs := c.subs[sub.address]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	last := len(subs) == 0
	if last {
		delete(c.subs, sub.address)
	} else {
		c.subs[sub.address] = subs
	}
	c.subsMu.Unlock()
	sub.close()

	if last && !c.closed.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		defer cancel()
		if _, err := c.request(ctx, "unsubscribe", map[string]any{"accounts": []string{sub.address}}); err != nil {
			c.logger.Debug().Err(err).Str("account", sub.address).Msg("Unsubscribe failed")
		}
	}
}

// SubmitAndWait implements Gateway.
func (c *WSClient) SubmitAndWait(ctx context.Context, tx Transaction, signer Signer, opts SubmitOptions) (*SubmitResult, error) {
	if signer.Address != tx.Account {
		return nil, fmt.Errorf("signer %s does not match transaction account %s", signer.Address, tx.Account)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.SubmitTimeout)
	defer cancel()

	current, err := c.currentLedger(ctx)
	if err != nil {
		return nil, err
	}
	tx.LastLedgerSequence = current + c.config.LedgerWindow

	wire, err := txToWire(tx)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", tx.Type, err)
	}

	signed, err := c.request(ctx, "sign", map[string]any{"tx_json": wire, "secret": signer.Secret})
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", tx.Type, err)
	}
	var signResult struct {
		TxBlob string `json:"tx_blob"`
		TxJSON struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	if err := json.Unmarshal(signed, &signResult); err != nil {
		return nil, fmt.Errorf("parse sign result: %w", err)
	}
	hash := signResult.TxJSON.Hash
	if hash == "" || signResult.TxBlob == "" {
		return nil, fmt.Errorf("sign %s: node returned no signed blob", tx.Type)
	}

	if opts.OnSigned != nil {
		if err := opts.OnSigned(hash, tx.LastLedgerSequence); err != nil {
			return nil, fmt.Errorf("record signed transaction: %w", err)
		}
	}

	c.logger.Debug().Str("txHash", hash).Str("txType", string(tx.Type)).Uint32("lastLedger", tx.LastLedgerSequence).Msg("Submitting transaction")

	// From here on the transaction may be applied, so failures are indeterminate.
	submitted, err := c.request(ctx, "submit", map[string]any{"tx_blob": signResult.TxBlob})
	if err != nil {
		return nil, NewIndeterminate(hash, "", tx.LastLedgerSequence, err)
	}
	var submitResult struct {
		EngineResult string `json:"engine_result"`
	}
	if err := json.Unmarshal(submitted, &submitResult); err != nil {
		return nil, NewIndeterminate(hash, "", tx.LastLedgerSequence, err)
	}

	code := submitResult.EngineResult
	switch Classify(code) {
	case ClassMalformed, ClassLocal:
		return nil, NewRejected(hash, code, tx.LastLedgerSequence)
	case ClassFailure:
		if code != "tefALREADY" {
			return nil, NewRejected(hash, code, tx.LastLedgerSequence)
		}
	}

	return c.awaitFinal(ctx, hash, tx.LastLedgerSequence, code)
}

// awaitFinal polls until the transaction is validated or provably expired.
func (c *WSClient) awaitFinal(ctx context.Context, hash string, lastLedger uint32, preliminary string) (*SubmitResult, error) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, NewIndeterminate(hash, preliminary, lastLedger, ctx.Err())
		case <-ticker.C:
		}

		status, err := c.TransactionStatus(ctx, hash, lastLedger)
		if err != nil {
			c.logger.Debug().Err(err).Str("txHash", hash).Msg("Status query failed while awaiting validation")
			continue
		}
		if status.Expired {
			return nil, NewRejected(hash, CodeExpired, lastLedger)
		}
		if !status.Validated {
			continue
		}
		if Classify(status.Result) != ClassSuccess {
			return nil, NewRejected(hash, status.Result, lastLedger)
		}
		return resultFromStatus(status), nil
	}
}

func (c *WSClient) currentLedger(ctx context.Context) (uint32, error) {
	raw, err := c.request(ctx, "ledger_current", nil)
	if err != nil {
		return 0, err
	}
	var result struct {
		LedgerCurrentIndex uint32 `json:"ledger_current_index"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("parse ledger_current: %w", err)
	}
	return result.LedgerCurrentIndex, nil
}

func (c *WSClient) validatedLedger(ctx context.Context) (uint32, error) {
	raw, err := c.request(ctx, "ledger", map[string]any{"ledger_index": "validated"})
	if err != nil {
		return 0, err
	}
	var result struct {
		LedgerIndex uint32 `json:"ledger_index"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("parse ledger: %w", err)
	}
	return result.LedgerIndex, nil
}

// TransactionStatus implements Gateway.
func (c *WSClient) TransactionStatus(ctx context.Context, hash string, lastLedger uint32) (*TxStatus, error) {
	raw, err := c.request(ctx, "tx", map[string]any{"transaction": hash})
	if errors.Is(err, ErrNotFound) {
		validated, verr := c.validatedLedger(ctx)
		if verr != nil {
			return nil, verr
		}
		return &TxStatus{Hash: hash, Expired: lastLedger > 0 && validated > lastLedger}, nil
	}
	if err != nil {
		return nil, err
	}

	var result struct {
		wireTx
		Validated bool     `json:"validated"`
		Meta      wireMeta `json:"meta"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tx %s: %w", hash, err)
	}
	delivered, err := result.Meta.delivered()
	if err != nil {
		return nil, fmt.Errorf("parse tx %s: %w", hash, err)
	}
	return &TxStatus{
		Hash:        hash,
		Found:       true,
		Validated:   result.Validated,
		Result:      result.Meta.TransactionResult,
		LedgerIndex: result.LedgerIndex,
		Delivered:   delivered,
	}, nil
}

// AccountTransactions implements Gateway.
func (c *WSClient) AccountTransactions(ctx context.Context, address string, fromLedger uint32) ([]AccountEvent, error) {
	minLedger := int64(-1)
	if fromLedger > 0 {
		minLedger = int64(fromLedger)
	}

	var events []AccountEvent
	var marker json.RawMessage
	for {
		params := map[string]any{
			"account":          address,
			"ledger_index_min": minLedger,
			"ledger_index_max": -1,
			"forward":          true,
			"limit":            200,
		}
		if marker != nil {
			params["marker"] = marker
		}

		raw, err := c.request(ctx, "account_tx", params)
		if err != nil {
			return nil, err
		}
		var page struct {
			Transactions []struct {
				Tx        wireTx   `json:"tx"`
				Meta      wireMeta `json:"meta"`
				Validated bool     `json:"validated"`
			} `json:"transactions"`
			Marker json.RawMessage `json:"marker"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("parse account_tx: %w", err)
		}

		for _, entry := range page.Transactions {
			if !entry.Validated {
				continue
			}
			event, err := eventFromWire(entry.Tx, entry.Meta, 0, true, "")
			if err != nil {
				return nil, err
			}
			events = append(events, event)
		}

		if len(page.Marker) == 0 || string(page.Marker) == "null" {
			return events, nil
		}
		marker = page.Marker
	}
}

// AccountMetadata implements Gateway.
func (c *WSClient) AccountMetadata(ctx context.Context, address string) ([]byte, error) {
	raw, err := c.request(ctx, "account_info", map[string]any{"account": address, "ledger_index": "validated"})
	if err != nil {
		return nil, err
	}
	var result struct {
		AccountData struct {
			Domain string `json:"Domain"`
		} `json:"account_data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse account_info: %w", err)
	}
	if result.AccountData.Domain == "" {
		return nil, fmt.Errorf("%w: account %s has no metadata", ErrNotFound, address)
	}
	data, err := hex.DecodeString(result.AccountData.Domain)
	if err != nil {
		return nil, fmt.Errorf("account %s metadata is not hex: %w", address, err)
	}
	return data, nil
}

// TrustLines implements Gateway.
func (c *WSClient) TrustLines(ctx context.Context, address string) ([]TrustLine, error) {
	var lines []TrustLine
	var marker json.RawMessage
	for {
		params := map[string]any{"account": address, "ledger_index": "validated", "limit": 400}
		if marker != nil {
			params["marker"] = marker
		}
		raw, err := c.request(ctx, "account_lines", params)
		if err != nil {
			return nil, err
		}
		var page struct {
			Lines []struct {
				Account  string `json:"account"`
				Balance  string `json:"balance"`
				Currency string `json:"currency"`
				Limit    string `json:"limit"`
			} `json:"lines"`
			Marker json.RawMessage `json:"marker"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("parse account_lines: %w", err)
		}
		for _, l := range page.Lines {
			balance, err := utils.ParseAmount(l.Balance)
			if err != nil {
				return nil, fmt.Errorf("trust line %s/%s balance: %w", l.Currency, l.Account, err)
			}
			limit, err := utils.ParseAmount(l.Limit)
			if err != nil {
				return nil, fmt.Errorf("trust line %s/%s limit: %w", l.Currency, l.Account, err)
			}
			lines = append(lines, TrustLine{
				Account:  l.Account,
				Currency: DecodeCurrency(l.Currency),
				Balance:  balance,
				Limit:    limit,
			})
		}
		if len(page.Marker) == 0 || string(page.Marker) == "null" {
			return lines, nil
		}
		marker = page.Marker
	}
}

// PoolState implements Gateway.
func (c *WSClient) PoolState(ctx context.Context, poolAccount string) (*types.PoolState, error) {
	raw, err := c.request(ctx, "amm_info", map[string]any{"amm_account": poolAccount, "ledger_index": "validated"})
	if err != nil {
		return nil, err
	}
	var result struct {
		AMM struct {
			Account    string          `json:"account"`
			Amount     json.RawMessage `json:"amount"`
			Amount2    json.RawMessage `json:"amount2"`
			LPToken    json.RawMessage `json:"lp_token"`
			TradingFee uint32          `json:"trading_fee"`
		} `json:"amm"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse amm_info: %w", err)
	}

	amount, err := amountFromWire(result.AMM.Amount)
	if err != nil || amount == nil {
		return nil, fmt.Errorf("pool %s: invalid first reserve: %v", poolAccount, err)
	}
	amount2, err := amountFromWire(result.AMM.Amount2)
	if err != nil || amount2 == nil {
		return nil, fmt.Errorf("pool %s: invalid second reserve: %v", poolAccount, err)
	}
	lp, err := amountFromWire(result.AMM.LPToken)
	if err != nil || lp == nil {
		return nil, fmt.Errorf("pool %s: invalid pool share supply: %v", poolAccount, err)
	}

	return &types.PoolState{
		Account:    result.AMM.Account,
		Asset:      amount.Asset,
		Asset2:     amount2.Asset,
		Reserve:    amount.Value,
		Reserve2:   amount2.Value,
		LPToken:    lp.Asset,
		LPSupply:   lp.Value,
		TradingFee: result.AMM.TradingFee,
	}, nil
}

// QuoteSwap implements Gateway.
func (c *WSClient) QuoteSwap(ctx context.Context, account string, send types.Amount, receive types.Asset) (*SwapQuote, error) {
	sendMax, err := amountToWire(send)
	if err != nil {
		return nil, err
	}

	var destination any = "-1"
	if !receive.IsNative() {
		code, err := EncodeCurrency(receive.Currency)
		if err != nil {
			return nil, err
		}
		destination = wireIssued{Currency: code, Issuer: receive.Issuer, Value: "-1"}
	}

	raw, err := c.request(ctx, "ripple_path_find", map[string]any{
		"source_account":      account,
		"destination_account": account,
		"destination_amount":  destination,
		"send_max":            sendMax,
	})
	if err != nil {
		return nil, errors.Join(ErrQuoteUnavailable, err)
	}

	var result struct {
		Alternatives []struct {
			DestinationAmount json.RawMessage `json:"destination_amount"`
		} `json:"alternatives"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse ripple_path_find: %w", err)
	}

	var best *types.Amount
	for _, alt := range result.Alternatives {
		delivered, err := amountFromWire(alt.DestinationAmount)
		if err != nil || delivered == nil {
			continue
		}
		if best == nil || delivered.Value.GT(best.Value) {
			best = delivered
		}
	}
	if best == nil || !best.Value.IsPositive() {
		return nil, fmt.Errorf("%w: %s to %s", ErrQuoteUnavailable, send.Asset, receive)
	}

	return &SwapQuote{Send: send, Deliver: *best}, nil
}
