// Package erc20 holds the minimal ABI surface the trader touches on token
// contracts: transfer, balanceOf and decimals.
package erc20

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const abiJSON = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

var parsed = mustParse()

func mustParse() abi.ABI {
	a, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic(fmt.Sprintf("erc20: parsing abi: %v", err))
	}
	return a
}

// TransferData encodes transfer(to, value). The result is always 68 bytes:
// 4-byte selector plus two 32-byte arguments.
func TransferData(to common.Address, value *big.Int) ([]byte, error) {
	return parsed.Pack("transfer", to, value)
}

// IsTransfer reports whether calldata starts with the transfer selector and
// carries at least the full argument encoding.
func IsTransfer(data []byte) bool {
	return len(data) >= TransferDataLen &&
		data[0] == 0xa9 && data[1] == 0x05 && data[2] == 0x9c && data[3] == 0xbb
}

// TransferDataLen is the byte length of an encoded transfer call.
const TransferDataLen = 68

// UnpackTransfer decodes the recipient and value from transfer calldata.
// Bytes beyond the argument encoding (an appended memo) are ignored.
func UnpackTransfer(data []byte) (common.Address, *big.Int, error) {
	if !IsTransfer(data) {
		return common.Address{}, nil, fmt.Errorf("erc20: not a transfer call")
	}
	vals, err := parsed.Methods["transfer"].Inputs.Unpack(data[4:TransferDataLen])
	if err != nil {
		return common.Address{}, nil, err
	}
	to, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("erc20: unexpected transfer recipient type %T", vals[0])
	}
	value, ok := vals[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("erc20: unexpected transfer value type %T", vals[1])
	}
	return to, value, nil
}

// BalanceOfData encodes balanceOf(owner).
func BalanceOfData(owner common.Address) ([]byte, error) {
	return parsed.Pack("balanceOf", owner)
}

// UnpackBalance decodes a balanceOf return value.
func UnpackBalance(out []byte) (*big.Int, error) {
	vals, err := parsed.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("erc20: unexpected balanceOf return type %T", vals[0])
	}
	return bal, nil
}

// DecimalsData encodes decimals().
func DecimalsData() ([]byte, error) {
	return parsed.Pack("decimals")
}

// UnpackDecimals decodes a decimals return value.
func UnpackDecimals(out []byte) (uint8, error) {
	vals, err := parsed.Unpack("decimals", out)
	if err != nil {
		return 0, err
	}
	dec, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("erc20: unexpected decimals return type %T", vals[0])
	}
	return dec, nil
}
