package chain_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/custody_bank/internal/chain"
	"github.com/R3E-Network/custody_bank/internal/valuation"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *chain.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := chain.NewClient(chain.Config{
		RPCURL:    server.URL,
		NetworkID: 894710606, // TestNet
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func makeRPCResponse(result interface{}) []byte {
	resultJSON, _ := json.Marshal(result)
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"result":  json.RawMessage(resultJSON),
	}
	data, _ := json.Marshal(resp)
	return data
}

func makeRPCError(code int, message string) []byte {
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
	data, _ := json.Marshal(resp)
	return data
}

func integer(v int64) chain.StackItem {
	return chain.StackItem{Type: "Integer", Value: json.RawMessage(fmt.Sprintf(`"%d"`, v))}
}

func byteString(b []byte) chain.StackItem {
	return chain.StackItem{Type: "ByteString", Value: json.RawMessage(fmt.Sprintf(`"%s"`, base64.StdEncoding.EncodeToString(b)))}
}

func array(items ...chain.StackItem) chain.StackItem {
	raw, _ := json.Marshal(items)
	return chain.StackItem{Type: "Array", Value: raw}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := chain.NewClient(chain.Config{}); err == nil {
		t.Fatal("NewClient() without URL should fail")
	}
}

func TestGetBlockCount(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(makeRPCResponse(4242))
	})

	count, err := client.GetBlockCount(context.Background())
	if err != nil {
		t.Fatalf("GetBlockCount() error = %v", err)
	}
	if count != 4242 {
		t.Fatalf("GetBlockCount() = %d, want 4242", count)
	}
}

func TestCallReturnsRPCError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(makeRPCError(-100, "unknown contract"))
	})

	_, err := client.GetBlockCount(context.Background())
	rpcErr, ok := err.(*chain.RPCError)
	if !ok {
		t.Fatalf("expected *RPCError, got %T (%v)", err, err)
	}
	if rpcErr.Code != -100 || !strings.Contains(rpcErr.Error(), "unknown contract") {
		t.Fatalf("unexpected rpc error %+v", rpcErr)
	}
}

func TestCallRejectsGarbage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	})

	if _, err := client.GetBlockCount(context.Background()); err == nil {
		t.Fatal("expected error for non-JSON response")
	}
}

func TestInvokeFunctionFault(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(makeRPCResponse(chain.InvokeResult{State: "FAULT", Exception: "feed not found"}))
	})

	_, err := client.InvokeFunction(context.Background(), util.Uint160{1}, "getLatestPrice", nil)
	if err == nil || !strings.Contains(err.Error(), "feed not found") {
		t.Fatalf("expected fault error, got %v", err)
	}
}

func TestFeedSourceLatestReport(t *testing.T) {
	contract := util.Uint160{0xfe, 0xed}
	updater := util.Uint160{0x11, 0x22}
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	var gotMethod, gotContract, gotFeed string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotMethod = gjson.GetBytes(body, "method").String()
		gotContract = gjson.GetBytes(body, "params.0").String()
		gotFeed = gjson.GetBytes(body, "params.2.0.value").String()

		w.Write(makeRPCResponse(chain.InvokeResult{
			State: "HALT",
			Stack: []chain.StackItem{array(
				byteString([]byte("NEO/USD")),
				integer(1234500000),
				integer(8),
				integer(at.UnixMilli()),
				byteString(updater.BytesLE()),
				integer(7),
				integer(7),
			)},
		}))
	})

	resolver := chain.NewFeedResolver(client)
	src, err := resolver.Resolve("0x" + contract.StringLE() + "/NEO/USD")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	report, err := src.LatestReport(context.Background())
	if err != nil {
		t.Fatalf("LatestReport() error = %v", err)
	}

	if gotMethod != "invokefunction" || gotContract != "0x"+contract.StringLE() || gotFeed != "NEO/USD" {
		t.Fatalf("unexpected request method=%q contract=%q feed=%q", gotMethod, gotContract, gotFeed)
	}
	want := valuation.PriceReport{
		PriceDecimals:       8,
		UpdatedAt:           at,
		SequenceID:          7,
		ReportingSequenceID: 7,
		IsComplete:          true,
	}
	if report.Price.Int64() != 1234500000 {
		t.Fatalf("price = %s", report.Price)
	}
	report.Price = nil
	if report != want {
		t.Fatalf("report = %+v, want %+v", report, want)
	}
}

func TestParsePriceDataLegacyShape(t *testing.T) {
	item := array(
		byteString([]byte("GAS/USD")),
		integer(450000000),
		integer(8),
		integer(0),
		chain.StackItem{Type: "Null"},
	)
	_, err := chain.ParsePriceData(item)
	if err == nil {
		t.Fatal("null updater is not a hash")
	}

	item = array(
		byteString([]byte("GAS/USD")),
		integer(450000000),
		integer(8),
		integer(1),
		byteString(make([]byte, 20)),
	)
	data, err := chain.ParsePriceData(item)
	if err != nil {
		t.Fatalf("ParsePriceData() error = %v", err)
	}
	if data.RoundID != 1 || data.AnsweredInRound != 1 || data.FeedID != "GAS/USD" {
		t.Fatalf("unexpected data %+v", data)
	}
}

func TestFeedResolverRejectsBadHandles(t *testing.T) {
	resolver := chain.NewFeedResolver(nil)
	for _, handle := range []string{"", "0x1234", "nothex/NEO", "0x" + util.Uint160{}.StringLE() + "/"} {
		if _, err := resolver.Resolve(handle); err == nil {
			t.Fatalf("Resolve(%q) should fail", handle)
		}
	}
}
