package chain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// =============================================================================
// Stack Item Parsers
// =============================================================================

// ParseArray extracts the elements of an Array or Struct item.
func ParseArray(item StackItem) ([]StackItem, error) {
	if item.Type != "Array" && item.Type != "Struct" {
		return nil, fmt.Errorf("expected Array or Struct, got %s", item.Type)
	}

	var items []StackItem
	if err := json.Unmarshal(item.Value, &items); err != nil {
		return nil, fmt.Errorf("unmarshal array: %w", err)
	}
	return items, nil
}

// ParseByteArray decodes a ByteString or Buffer item. Null yields nil.
func ParseByteArray(item StackItem) ([]byte, error) {
	switch item.Type {
	case "ByteString", "Buffer":
		var value string
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(value)
	case "Null":
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected type: %s", item.Type)
}

// ParseString decodes a byte string item as UTF-8.
func ParseString(item StackItem) (string, error) {
	b, err := ParseByteArray(item)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseHash160 decodes a 20-byte script hash item.
func ParseHash160(item StackItem) (util.Uint160, error) {
	b, err := ParseByteArray(item)
	if err != nil {
		return util.Uint160{}, err
	}
	return util.Uint160DecodeBytesLE(b)
}

// ParseInteger decodes an Integer item. Booleans count as 0 or 1.
func ParseInteger(item StackItem) (*big.Int, error) {
	switch item.Type {
	case "Integer":
		var value string
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return nil, err
		}
		n, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", value)
		}
		return n, nil
	case "Boolean":
		b, err := ParseBoolean(item)
		if err != nil {
			return nil, err
		}
		if b {
			return big.NewInt(1), nil
		}
		return new(big.Int), nil
	}
	return nil, fmt.Errorf("unexpected type: %s", item.Type)
}

func ParseBoolean(item StackItem) (bool, error) {
	if item.Type == "Boolean" {
		var value bool
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return false, err
		}
		return value, nil
	}
	return false, fmt.Errorf("unexpected type: %s", item.Type)
}

// =============================================================================
// Price feed
// =============================================================================

// PriceData is one round of a NeoFeeds-style price contract.
type PriceData struct {
	FeedID          string
	Price           *big.Int
	Decimals        *big.Int
	Timestamp       uint64 // milliseconds
	UpdatedBy       util.Uint160
	RoundID         uint64
	AnsweredInRound uint64
}

// ParsePriceData decodes the result of getLatestPrice. Contracts that predate
// round tracking return five fields; their rounds are reported as 1/1.
func ParsePriceData(item StackItem) (*PriceData, error) {
	items, err := ParseArray(item)
	if err != nil {
		return nil, err
	}
	if len(items) < 5 {
		return nil, fmt.Errorf("expected at least 5 items, got %d", len(items))
	}

	feedID, err := ParseString(items[0])
	if err != nil {
		return nil, fmt.Errorf("parse feedID: %w", err)
	}
	price, err := ParseInteger(items[1])
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	decimals, err := ParseInteger(items[2])
	if err != nil {
		return nil, fmt.Errorf("parse decimals: %w", err)
	}
	timestamp, err := ParseInteger(items[3])
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	updatedBy, err := ParseHash160(items[4])
	if err != nil {
		return nil, fmt.Errorf("parse updatedBy: %w", err)
	}

	data := &PriceData{
		FeedID:          feedID,
		Price:           price,
		Decimals:        decimals,
		Timestamp:       timestamp.Uint64(),
		UpdatedBy:       updatedBy,
		RoundID:         1,
		AnsweredInRound: 1,
	}
	if len(items) >= 7 {
		round, err := ParseInteger(items[5])
		if err != nil {
			return nil, fmt.Errorf("parse roundId: %w", err)
		}
		answered, err := ParseInteger(items[6])
		if err != nil {
			return nil, fmt.Errorf("parse answeredInRound: %w", err)
		}
		data.RoundID = round.Uint64()
		data.AnsweredInRound = answered.Uint64()
	}
	return data, nil
}
