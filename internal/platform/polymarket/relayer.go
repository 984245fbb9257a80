package polymarket

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Polygon mainnet contract addresses.
const (
	DefaultCTFAddress        = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	DefaultCollateralAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
)

const ctfABI = `[{"name":"mergePositions","type":"function","stateMutability":"nonpayable","inputs":[
	{"name":"collateralToken","type":"address"},
	{"name":"parentCollectionId","type":"bytes32"},
	{"name":"conditionId","type":"bytes32"},
	{"name":"partition","type":"uint256[]"},
	{"name":"amount","type":"uint256"}],"outputs":[]}]`

// RelayerConfig configures a RelayerClient.
type RelayerConfig struct {
	BaseURL    string // Builder relayer root
	Wallet     string // proxy wallet holding the positions
	CTF        string
	Collateral string
	Timeout    time.Duration
}

// RelayerClient settles a filled pair by merging the YES and NO positions
// back into collateral through the gasless Builder relayer. It implements
// domain.Settler.
type RelayerClient struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	abi        abi.ABI
	wallet     string
	ctf        common.Address
	collateral common.Address
	logger     *slog.Logger
}

// NewRelayerClient creates a RelayerClient authenticated with Builder
// credentials.
func NewRelayerClient(cfg RelayerConfig, auth *crypto.HMACAuth, logger *slog.Logger) (*RelayerClient, error) {
	parsed, err := abi.JSON(strings.NewReader(ctfABI))
	if err != nil {
		return nil, fmt.Errorf("polymarket/relayer: parse abi: %w", err)
	}
	if cfg.CTF == "" {
		cfg.CTF = DefaultCTFAddress
	}
	if cfg.Collateral == "" {
		cfg.Collateral = DefaultCollateralAddress
	}
	for _, a := range []string{cfg.Wallet, cfg.CTF, cfg.Collateral} {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("polymarket/relayer: %w: bad address %q", domain.ErrInvalidInput, a)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RelayerClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		auth:       auth,
		abi:        parsed,
		wallet:     cfg.Wallet,
		ctf:        common.HexToAddress(cfg.CTF),
		collateral: common.HexToAddress(cfg.Collateral),
		logger:     logger.With(slog.String("component", "relayer")),
	}, nil
}

// relayRequest is the body of POST /submit.
type relayRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Data     string `json:"data"`
	Type     string `json:"type"`
	Metadata string `json:"metadata,omitempty"`
}

type relayResponse struct {
	TransactionID   string `json:"transactionID"`
	TransactionHash string `json:"transactionHash"`
	State           string `json:"state"`
}

// MergeCalldata encodes mergePositions for a binary condition. size is in
// collateral units; one full pair redeems one unit.
func (r *RelayerClient) MergeCalldata(conditionID string, size decimal.Decimal) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(conditionID, "0x"))
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: condition id %q is not 32-byte hex", domain.ErrInvalidInput, conditionID)
	}
	if !size.IsPositive() {
		return nil, fmt.Errorf("%w: merge size %s", domain.ErrInvalidInput, size)
	}
	var condition, parent [32]byte
	copy(condition[:], raw)

	amount, ok := new(big.Int).SetString(size.Shift(6).Truncate(0).String(), 10)
	if !ok {
		return nil, fmt.Errorf("%w: merge size %s", domain.ErrInvalidInput, size)
	}
	partition := []*big.Int{big.NewInt(1), big.NewInt(2)}
	return r.abi.Pack("mergePositions", r.collateral, parent, condition, partition, amount)
}

// Merge submits a mergePositions transaction for marketID and returns the
// transaction hash, or the relayer transaction ID while the hash is not yet
// known.
func (r *RelayerClient) Merge(ctx context.Context, marketID string, size decimal.Decimal) (string, error) {
	data, err := r.MergeCalldata(marketID, size)
	if err != nil {
		return "", fmt.Errorf("polymarket/relayer: merge: %w", err)
	}
	body, err := json.Marshal(relayRequest{
		From:     r.wallet,
		To:       r.ctf.Hex(),
		Data:     "0x" + hex.EncodeToString(data),
		Type:     "PROXY",
		Metadata: "merge:" + marketID,
	})
	if err != nil {
		return "", fmt.Errorf("polymarket/relayer: marshal: %w", err)
	}

	const path = "/submit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("polymarket/relayer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.auth != nil {
		crypto.Apply(req, r.auth.BuilderHeaders(http.MethodPost, path, string(body)))
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("polymarket/relayer: submit: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("polymarket/relayer: read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return "", fmt.Errorf("polymarket/relayer: submit: %w", err)
	}

	var rr relayResponse
	if err := json.Unmarshal(respBody, &rr); err != nil {
		return "", fmt.Errorf("polymarket/relayer: decode response: %w", err)
	}
	if strings.EqualFold(rr.State, "STATE_FAILED") {
		return "", fmt.Errorf("polymarket/relayer: transaction %s failed", rr.TransactionID)
	}
	r.logger.InfoContext(ctx, "merge submitted",
		slog.String("market_id", marketID),
		slog.String("size", size.String()),
		slog.String("transaction_id", rr.TransactionID),
		slog.String("state", rr.State),
	)
	if rr.TransactionHash != "" {
		return rr.TransactionHash, nil
	}
	return rr.TransactionID, nil
}

var _ domain.Settler = (*RelayerClient)(nil)
