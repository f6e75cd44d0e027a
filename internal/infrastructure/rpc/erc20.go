package rpc

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const erc20TransferABI = `[{
  "anonymous": false,
  "inputs": [
    {"indexed": true,  "name": "from",  "type": "address"},
    {"indexed": true,  "name": "to",    "type": "address"},
    {"indexed": false, "name": "value", "type": "uint256"}
  ],
  "name": "Transfer",
  "type": "event"
}]`

var errNotTransfer = errors.New("log is not an ERC-20 Transfer")

type transferDecoder struct {
	abi   abi.ABI
	topic common.Hash
}

func newTransferDecoder() (*transferDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &transferDecoder{
		abi:   parsed,
		topic: parsed.Events["Transfer"].ID,
	}, nil
}

// decode returns sender, recipient and raw value. ERC-721 Transfer logs carry
// the token id as a fourth topic and are rejected.
func (d *transferDecoder) decode(l types.Log) (common.Address, common.Address, *big.Int, error) {
	if len(l.Topics) != 3 || l.Topics[0] != d.topic {
		return common.Address{}, common.Address{}, nil, errNotTransfer
	}

	values, err := d.abi.Unpack("Transfer", l.Data)
	if err != nil {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("unpack transfer value: %w", err)
	}
	if len(values) != 1 {
		return common.Address{}, common.Address{}, nil, errNotTransfer
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return common.Address{}, common.Address{}, nil, errNotTransfer
	}

	from := common.BytesToAddress(l.Topics[1].Bytes())
	to := common.BytesToAddress(l.Topics[2].Bytes())
	return from, to, value, nil
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
