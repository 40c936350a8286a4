package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/valuation"
)

// FeedScheme is the price source scheme served by FeedResolver.
const FeedScheme = "neofeeds"

var bigMaxUint8 = big.NewInt(255)

// FeedSource reads one feed of a price contract.
type FeedSource struct {
	client   *Client
	contract util.Uint160
	feedID   string
}

// NewFeedSource binds feedID on contract.
func NewFeedSource(client *Client, contract util.Uint160, feedID string) *FeedSource {
	return &FeedSource{client: client, contract: contract, feedID: feedID}
}

// LatestReport invokes getLatestPrice and maps the round onto a report.
// Validation, including the fixed price precision, is left to the valuation
// service.
func (s *FeedSource) LatestReport(ctx context.Context) (valuation.PriceReport, error) {
	res, err := s.client.InvokeFunction(ctx, s.contract, "getLatestPrice", []ContractParam{StringParam(s.feedID)})
	if err != nil {
		return valuation.PriceReport{}, fmt.Errorf("getLatestPrice %s: %w", s.feedID, err)
	}
	if len(res.Stack) == 0 {
		return valuation.PriceReport{}, fmt.Errorf("getLatestPrice %s: empty stack", s.feedID)
	}
	data, err := ParsePriceData(res.Stack[0])
	if err != nil {
		return valuation.PriceReport{}, fmt.Errorf("getLatestPrice %s: %w", s.feedID, err)
	}
	if data.Decimals.Sign() < 0 || data.Decimals.Cmp(bigMaxUint8) > 0 {
		return valuation.PriceReport{}, fmt.Errorf("getLatestPrice %s: decimals %s out of range", s.feedID, data.Decimals)
	}

	report := valuation.PriceReport{
		Price:               data.Price,
		PriceDecimals:       uint8(data.Decimals.Uint64()),
		SequenceID:          data.RoundID,
		ReportingSequenceID: data.AnsweredInRound,
		IsComplete:          data.Timestamp > 0,
	}
	if data.Timestamp > 0 {
		report.UpdatedAt = time.UnixMilli(int64(data.Timestamp)).UTC()
	}
	return report, nil
}

// FeedResolver resolves "<contract>/<feedId>" handles, the contract given as
// a 0x-prefixed little-endian script hash.
type FeedResolver struct {
	client *Client
}

// NewFeedResolver creates a resolver over client.
func NewFeedResolver(client *Client) *FeedResolver {
	return &FeedResolver{client: client}
}

func (r *FeedResolver) Resolve(handle string) (valuation.PriceSource, error) {
	contract, feedID, ok := strings.Cut(handle, "/")
	if !ok || feedID == "" {
		return nil, fmt.Errorf("feed handle %q: want <contract>/<feedId>", handle)
	}
	hash, err := util.Uint160DecodeStringLE(strings.TrimPrefix(contract, "0x"))
	if err != nil {
		return nil, fmt.Errorf("feed handle %q: %w", handle, err)
	}
	return NewFeedSource(r.client, hash, feedID), nil
}
