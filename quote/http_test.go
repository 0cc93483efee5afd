package quote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestLiquidityUSD(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.URL.Path, qt.Equals, "/liquidity")
		c.Check(r.URL.Query().Get("chainId"), qt.Equals, "8453")
		c.Check(r.URL.Query().Get("token"), qt.Equals, "0xtoken")
		fmt.Fprint(w, `{"liquidityUsd": 52000.5}`)
	}))
	defer srv.Close()

	a := NewHTTPAggregator(srv.URL, "")
	liq, err := a.LiquidityUSD(context.Background(), 8453, "0xtoken")
	c.Assert(err, qt.IsNil)
	c.Assert(liq, qt.Equals, 52000.5)
}

func TestLiquidityUSDErrors(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unknown token", http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewHTTPAggregator(srv.URL, "")
	_, err := a.LiquidityUSD(context.Background(), 8453, "0xtoken")
	c.Assert(err, qt.ErrorMatches, `aggregator /liquidity returned 404.*`)
}
