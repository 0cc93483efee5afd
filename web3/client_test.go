package web3

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum"
	qt "github.com/frankban/quicktest"
)

func TestIsNotFound(t *testing.T) {
	c := qt.New(t)
	c.Assert(isNotFound(ethereum.NotFound), qt.IsTrue)
	// Wrapped sentinels still match.
	c.Assert(isNotFound(fmt.Errorf("receipt lookup: %w", ethereum.NotFound)), qt.IsTrue)
	c.Assert(isNotFound(errors.New("transaction not found")), qt.IsTrue)
	c.Assert(isNotFound(errors.New("connection refused")), qt.IsFalse)
}
