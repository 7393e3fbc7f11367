package domain

import (
	"encoding/json"
	"math/big"

	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
)

// erc20TransferLen is the standard encoded transfer call: 4-byte selector,
// 32-byte recipient, 32-byte amount. The memo is appended right after it, so
// the counterparty (and our audit decoder) find it at a fixed offset.
const erc20TransferLen = 68

// Memo is the order intent carried in a transfer's data payload as UTF-8
// JSON. Offer and Request are integers in the smallest units of the offered
// and requested assets.
type Memo struct {
	CustomerID   string    `json:"customer_id"`
	Type         OrderType `json:"type"`
	Offer        *big.Int  `json:"offer"`
	Request      *big.Int  `json:"request"`
	TokenAddress string    `json:"token_address"`
	ExpiryDays   int       `json:"expiry_days"`
	DidID        string    `json:"did_id"` // submitting wallet, for traceability
}

// Encode serializes the memo to the compact JSON bytes appended on-chain.
func (m *Memo) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "encoding memo", err)
	}
	return b, nil
}

// DecodeTransferMemo extracts the memo from a transfer-with-memo payload,
// stripping the standard ERC-20 transfer encoding. Used for auditing
// submitted transactions; returns VALIDATION errors for malformed payloads.
func DecodeTransferMemo(data []byte) (*Memo, error) {
	if len(data) <= erc20TransferLen {
		return nil, apperror.Validation("transaction data carries no memo")
	}
	var m Memo
	if err := json.Unmarshal(data[erc20TransferLen:], &m); err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "decoding memo", err)
	}
	return &m, nil
}
