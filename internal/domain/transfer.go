package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// TransferObservation is one decoded ERC-20 Transfer log seen by a chain client.
type TransferObservation struct {
	BlockNumber     uint64          `json:"block_number"`
	TransactionHash string          `json:"transaction_hash"`
	LogIndex        uint            `json:"log_index"`
	RawValue        *big.Int        `json:"raw_value"`
	FormattedValue  decimal.Decimal `json:"formatted_value"`
	TokenSymbol     string          `json:"token_symbol"`
	FromAddress     string          `json:"from_address"`
	ToAddress       string          `json:"to_address"`
}

func (o TransferObservation) ToMatched() MatchedTransfer {
	return MatchedTransfer{
		TransactionHash: o.TransactionHash,
		LogIndex:        o.LogIndex,
		BlockNumber:     o.BlockNumber,
		ObservedAmount:  o.FormattedValue,
		FromAddress:     o.FromAddress,
	}
}
