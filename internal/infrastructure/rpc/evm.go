package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
	"github.com/jackyvictory/stable-coin-demo-sub001/pkg/currency"
)

// Backend is the subset of ethclient.Client used for polling.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type EVMClient struct {
	backend       Backend
	tokens        domain.TokenRegistry
	timeout       time.Duration
	decoder       *transferDecoder
	currencyUtils *currency.CurrencyUtils
	logger        zerolog.Logger
}

func NewEVMClient(backend Backend, tokens domain.TokenRegistry, timeout time.Duration, logger zerolog.Logger) (*EVMClient, error) {
	decoder, err := newTransferDecoder()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &EVMClient{
		backend:       backend,
		tokens:        tokens,
		timeout:       timeout,
		decoder:       decoder,
		currencyUtils: currency.NewCurrencyUtils(),
		logger:        logger,
	}, nil
}

func (c *EVMClient) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, wrapRPCError("eth_blockNumber", err)
	}
	return n, nil
}

func (c *EVMClient) TokenTransfersTo(ctx context.Context, tokenSymbol, receiver string, fromBlock, toBlock uint64) ([]domain.TransferObservation, error) {
	token, ok := c.tokens.Lookup(tokenSymbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownToken, tokenSymbol)
	}
	if !common.IsHexAddress(receiver) {
		return nil, fmt.Errorf("%w: malformed receiver %q", domain.ErrValidation, receiver)
	}
	if fromBlock > toBlock {
		return nil, nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{common.HexToAddress(token.Contract)},
		Topics: [][]common.Hash{
			{c.decoder.topic},
			nil,
			{addressTopic(common.HexToAddress(receiver))},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, wrapRPCError("eth_getLogs", err)
	}

	seen := make(map[string]struct{}, len(logs))
	observations := make([]domain.TransferObservation, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		obs, err := c.observe(token, l)
		if err != nil {
			c.logger.Debug().
				Err(err).
				Str("tx_hash", l.TxHash.Hex()).
				Uint("log_index", l.Index).
				Msg("Skipping undecodable log")
			continue
		}
		key := observationKey(obs)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		observations = append(observations, obs)
	}

	c.logger.Debug().
		Str("token", token.Symbol).
		Uint64("from_block", fromBlock).
		Uint64("to_block", toBlock).
		Int("transfers", len(observations)).
		Msg("Fetched token transfers")

	return observations, nil
}

func (c *EVMClient) observe(token domain.Token, l types.Log) (domain.TransferObservation, error) {
	from, to, value, err := c.decoder.decode(l)
	if err != nil {
		return domain.TransferObservation{}, err
	}
	return domain.TransferObservation{
		BlockNumber:     l.BlockNumber,
		TransactionHash: l.TxHash.Hex(),
		LogIndex:        l.Index,
		RawValue:        value,
		FormattedValue:  c.currencyUtils.ToDecimal(value, token.Decimals),
		TokenSymbol:     token.Symbol,
		FromAddress:     from.Hex(),
		ToAddress:       to.Hex(),
	}, nil
}

func observationKey(o domain.TransferObservation) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(o.TransactionHash), o.LogIndex)
}

// wrapRPCError tags node failures with ErrChainUnavailable, or ErrRateLimited
// when the provider throttles us.
func wrapRPCError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isRateLimited(err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrRateLimited, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrChainUnavailable, err)
}

func isRateLimited(err error) bool {
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "limit exceeded")
}
