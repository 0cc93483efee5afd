package executor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainclaw/chainclaw/log"
	"github.com/chainclaw/chainclaw/storage"
)

// ReconcileTimedOut resolves records that were marked failed/timeout with a
// hash still attached. A broadcast that outlived the receipt wait may have
// landed anyway; this pass queries the chain once per record and rewrites the
// row to the true outcome. Intended to run once at startup.
func (e *Executor) ReconcileTimedOut(ctx context.Context) error {
	recs, err := e.deps.Store.TimedOutTransactions()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		client, err := e.deps.Registry.Client(rec.ChainID)
		if err != nil {
			log.Warnw("skipping timed-out record on unknown chain",
				"txId", rec.TxID, "chainId", rec.ChainID)
			continue
		}
		receipt, err := client.TransactionReceipt(ctx, common.HexToHash(rec.Hash))
		if err != nil || receipt == nil {
			// Still not mined; leave the record as failed/timeout.
			continue
		}
		upd := &storage.TxUpdate{
			GasUsed:     receipt.GasUsed,
			BlockNumber: receipt.BlockNumber.Uint64(),
		}
		if receipt.EffectiveGasPrice != nil {
			upd.EffectiveGasPrice = receipt.EffectiveGasPrice.String()
		}
		confirmed := receipt.Status == 1
		if err := e.deps.Store.ReconcileTimedOut(rec.TxID, upd, confirmed); err != nil {
			log.Warnw("failed to reconcile timed-out record", "txId", rec.TxID, "err", err.Error())
			continue
		}
		log.Infow("reconciled timed-out transaction", "txId", rec.TxID,
			"hash", rec.Hash, "confirmed", confirmed, "block", upd.BlockNumber)
		if confirmed {
			e.deps.Hooks.publishConfirmed(ConfirmedEvent{
				TxID: rec.TxID, UserID: rec.UserID, Hash: rec.Hash,
				BlockNumber: upd.BlockNumber,
			})
		}
	}
	return nil
}
