package rpc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
)

// StreamBackend is the subset of a websocket ethclient.Client used for push mode.
type StreamBackend interface {
	Backend
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// StreamClient keeps pushed Transfer logs to the receiver in memory and answers
// ChainClient queries from them. Ranges it has not seen live are delegated to
// the polling client.
type StreamClient struct {
	backend   StreamBackend
	rest      *EVMClient
	receiver  common.Address
	retention uint64
	logger    zerolog.Logger

	mu          sync.RWMutex
	head        uint64
	coveredFrom uint64
	byToken     map[string][]domain.TransferObservation
	seen        map[string]struct{}
	contracts   map[common.Address]domain.Token
}

func NewStreamClient(backend StreamBackend, rest *EVMClient, receiver string, retention uint64, logger zerolog.Logger) *StreamClient {
	contracts := make(map[common.Address]domain.Token, len(rest.tokens))
	for _, t := range rest.tokens {
		contracts[common.HexToAddress(t.Contract)] = t
	}
	if retention == 0 {
		retention = 2000
	}
	return &StreamClient{
		backend:   backend,
		rest:      rest,
		receiver:  common.HexToAddress(receiver),
		retention: retention,
		logger:    logger,
		byToken:   make(map[string][]domain.TransferObservation),
		seen:      make(map[string]struct{}),
		contracts: contracts,
	}
}

// Run subscribes and resubscribes until ctx is done.
func (s *StreamClient) Run(ctx context.Context) error {
	s.logger.Info().Str("receiver", s.receiver.Hex()).Msg("Starting transfer stream")

	const maxDelay = 30 * time.Second
	delay := time.Second
	for {
		started := time.Now()
		err := s.subscribe(ctx)
		if ctx.Err() != nil {
			s.logger.Info().Msg("Transfer stream stopped")
			return ctx.Err()
		}

		s.mu.Lock()
		s.coveredFrom = 0
		s.mu.Unlock()

		if time.Since(started) > time.Minute {
			delay = time.Second
		}
		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Transfer stream dropped, resubscribing")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (s *StreamClient) subscribe(ctx context.Context) error {
	headers := make(chan *types.Header, 64)
	headSub, err := s.backend.SubscribeNewHead(ctx, headers)
	if err != nil {
		return wrapRPCError("eth_subscribe newHeads", err)
	}
	defer headSub.Unsubscribe()

	logs := make(chan types.Log, 256)
	logSub, err := s.backend.SubscribeFilterLogs(ctx, s.query(), logs)
	if err != nil {
		return wrapRPCError("eth_subscribe logs", err)
	}
	defer logSub.Unsubscribe()

	// Everything after the head seen once both subscriptions are live arrives
	// through the stream; earlier blocks are answered by the polling client.
	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return wrapRPCError("eth_blockNumber", err)
	}
	s.mu.Lock()
	if head > s.head {
		s.head = head
	}
	s.coveredFrom = head + 1
	s.mu.Unlock()

	s.logger.Info().Uint64("covered_from", head+1).Msg("Transfer stream subscribed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-headSub.Err():
			return fmt.Errorf("newHeads subscription: %w", err)
		case err := <-logSub.Err():
			return fmt.Errorf("logs subscription: %w", err)
		case h := <-headers:
			if h == nil || h.Number == nil {
				continue
			}
			// logs already delivered belong to blocks up to this head
		drain:
			for {
				select {
				case l := <-logs:
					s.ingest(l)
				default:
					break drain
				}
			}
			s.advanceHead(h.Number.Uint64())
		case l := <-logs:
			s.ingest(l)
		}
	}
}

func (s *StreamClient) query() ethereum.FilterQuery {
	addresses := make([]common.Address, 0, len(s.contracts))
	for addr := range s.contracts {
		addresses = append(addresses, addr)
	}
	return ethereum.FilterQuery{
		Addresses: addresses,
		Topics: [][]common.Hash{
			{s.rest.decoder.topic},
			nil,
			{addressTopic(s.receiver)},
		},
	}
}

func (s *StreamClient) advanceHead(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= s.head {
		return
	}
	s.head = n
	s.pruneLocked()
}

func (s *StreamClient) ingest(l types.Log) {
	token, ok := s.contracts[l.Address]
	if !ok {
		return
	}
	obs, err := s.rest.observe(token, l)
	if err != nil {
		s.logger.Debug().Err(err).Str("tx_hash", l.TxHash.Hex()).Msg("Skipping undecodable pushed log")
		return
	}
	key := observationKey(obs)

	s.mu.Lock()
	defer s.mu.Unlock()

	if l.Removed {
		if _, ok := s.seen[key]; !ok {
			return
		}
		delete(s.seen, key)
		list := s.byToken[token.Symbol]
		for i := range list {
			if observationKey(list[i]) == key {
				s.byToken[token.Symbol] = append(list[:i], list[i+1:]...)
				break
			}
		}
		s.logger.Info().Str("tx_hash", obs.TransactionHash).Msg("Transfer removed by reorg")
		return
	}

	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}
	s.byToken[token.Symbol] = append(s.byToken[token.Symbol], obs)
	if obs.BlockNumber > s.head {
		s.head = obs.BlockNumber
	}
}

// pruneLocked drops transfers older than the retention window and moves the
// covered range forward accordingly.
func (s *StreamClient) pruneLocked() {
	if s.head <= s.retention {
		return
	}
	cutoff := s.head - s.retention
	for sym, list := range s.byToken {
		kept := list[:0]
		for _, o := range list {
			if o.BlockNumber >= cutoff {
				kept = append(kept, o)
				continue
			}
			delete(s.seen, observationKey(o))
		}
		s.byToken[sym] = kept
	}
	if s.coveredFrom != 0 && s.coveredFrom < cutoff {
		s.coveredFrom = cutoff
	}
}

// Streaming reports whether live subscriptions are currently established.
func (s *StreamClient) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coveredFrom != 0
}

// CurrentBlockNumber reports the newest sealed block while streaming. The
// newHeads event for a block can arrive before its logs, so a block only counts
// once a later head or log has been seen.
func (s *StreamClient) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	head, live := s.head, s.coveredFrom != 0
	s.mu.RUnlock()
	if live {
		return sealed(head), nil
	}
	return s.rest.CurrentBlockNumber(ctx)
}

func sealed(head uint64) uint64 {
	if head == 0 {
		return 0
	}
	return head - 1
}

func (s *StreamClient) TokenTransfersTo(ctx context.Context, tokenSymbol, receiver string, fromBlock, toBlock uint64) ([]domain.TransferObservation, error) {
	token, ok := s.rest.tokens.Lookup(tokenSymbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownToken, tokenSymbol)
	}
	if !strings.EqualFold(receiver, s.receiver.Hex()) {
		return s.rest.TokenTransfersTo(ctx, tokenSymbol, receiver, fromBlock, toBlock)
	}

	s.mu.RLock()
	if s.coveredFrom == 0 || fromBlock < s.coveredFrom {
		s.mu.RUnlock()
		return s.rest.TokenTransfersTo(ctx, tokenSymbol, receiver, fromBlock, toBlock)
	}
	var out []domain.TransferObservation
	for _, o := range s.byToken[token.Symbol] {
		if o.BlockNumber >= fromBlock && o.BlockNumber <= toBlock {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()

	return out, nil
}
