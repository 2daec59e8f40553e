package consolidation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"dustsweep/internal/domain"
	"dustsweep/internal/faults"
	"dustsweep/internal/retry"
	"dustsweep/internal/reward"
	"dustsweep/internal/storage"
	"dustsweep/internal/userop"
)

// Messages stored on failed records.
const (
	msgOutcomeUnknown = "submission outcome unknown: the bundler did not confirm the broadcast and no receipt appeared"
	msgNoReceipt      = "no receipt before the deadline; the operation may still be included later"
)

// Finalize submits the signed operation of a pending consolidation and
// settles the record from the receipt.
//
// Ownership, lifecycle and signed-operation checks fail with an error and
// leave the record untouched. Before broadcasting, the record is claimed
// with a pending -> submitted compare-and-set carrying the locally computed
// hash, so across every coordinator sharing the store only the claimant
// submits. After the broadcast every outcome is written to the record: the
// returned record is confirmed or failed, and the error is nil unless the
// store stays unwritable, in which case the record is left submitted.
func (c *Coordinator) Finalize(ctx context.Context, id string, trader common.Address, signed *domain.UserOperation) (*domain.ConsolidationRecord, error) {
	if signed == nil {
		return nil, faults.Validation("userOperation", "is required")
	}

	unlock := c.locks.Lock(id)
	defer unlock()

	rec, err := c.Get(ctx, id, trader)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.StatusPending {
		return nil, errors.Wrapf(faults.ErrNotPending, "consolidation %s is %s", id, rec.Status)
	}
	if err := checkSigned(rec, signed); err != nil {
		return nil, err
	}
	hash, err := c.ops.Hash(signed)
	if err != nil {
		return nil, errors.Wrapf(err, "hash operation of %s", id)
	}

	// Single attempt: a retried claim cannot tell its own lost write from
	// another coordinator's.
	rec, err = c.transition(ctx, id, domain.StatusPending, domain.StatusSubmitted,
		storage.RecordUpdate{UserOpHash: hash.Hex()})
	switch {
	case errors.Is(err, storage.ErrConflict):
		return nil, errors.Wrapf(faults.ErrNotPending, "consolidation %s was claimed concurrently", id)
	case err != nil:
		return nil, err
	}

	log := c.logger.With(zap.String("consolidation_id", id), zap.String("userOpHash", hash.Hex()))

	// The broadcast may happen even if the caller goes away, so the outcome
	// is always recorded.
	ctx = context.WithoutCancel(ctx)

	submitted, err := c.ops.Submit(ctx, signed)
	switch {
	case err == nil:
		if submitted != hash {
			log.Warn("bundler returned a different hash", zap.String("bundler_hash", submitted.Hex()))
		}
		return c.settle(ctx, rec, hash, msgNoReceipt)
	case faults.IsTimeout(err):
		log.Warn("submit timed out, polling by local hash", zap.Error(err))
		return c.settle(ctx, rec, hash, msgOutcomeUnknown)
	default:
		log.Warn("submit failed", zap.Error(err))
		return c.fail(ctx, rec.ID, faults.Describe(err))
	}
}

// checkSigned rejects a signed operation that differs from the prepared one
// in anything but the signature.
func checkSigned(rec *domain.ConsolidationRecord, signed *domain.UserOperation) error {
	if len(rec.UserOp) == 0 {
		return errors.Newf("consolidation %s has no prepared operation", rec.ID)
	}
	var prepared domain.UserOperation
	if err := json.Unmarshal(rec.UserOp, &prepared); err != nil {
		return errors.Wrapf(err, "decode prepared operation of %s", rec.ID)
	}
	if !prepared.SameIntent(signed) {
		return faults.Validation("userOperation", "does not match the prepared operation")
	}
	if err := signed.ValidateForSubmit(); err != nil {
		return faults.Validation("userOperation", "%v", err)
	}
	if string(signed.Signature) == string(userop.PlaceholderSignature) {
		return faults.Validation("userOperation", "is not signed")
	}
	return nil
}

// settle waits for the receipt of a submitted record. timeoutMsg is stored
// when no receipt appears before the deadline.
func (c *Coordinator) settle(ctx context.Context, rec *domain.ConsolidationRecord, hash common.Hash, timeoutMsg string) (*domain.ConsolidationRecord, error) {
	receipt, err := c.ops.AwaitReceipt(ctx, hash)
	if err != nil {
		msg := faults.Describe(err)
		if faults.IsTimeout(err) {
			msg = timeoutMsg
		}
		return c.fail(ctx, rec.ID, msg)
	}

	if !receipt.Success {
		msg := "operation reverted on chain"
		if receipt.Reason != "" {
			msg = fmt.Sprintf("%s: %s", msg, receipt.Reason)
		}
		return c.failWith(ctx, rec.ID, storage.RecordUpdate{
			TxHash:       receipt.TxHash().Hex(),
			ErrorMessage: msg,
		})
	}

	confirmed, err := c.record(ctx, rec.ID, domain.StatusConfirmed,
		storage.RecordUpdate{TxHash: receipt.TxHash().Hex()})
	if err != nil {
		return nil, err
	}
	c.credit(ctx, confirmed)
	return confirmed, nil
}

// credit runs once per consolidation: only the caller that won the
// submitted -> confirmed transition reaches it.
func (c *Coordinator) credit(ctx context.Context, rec *domain.ConsolidationRecord) {
	at := rec.UpdatedAt
	if rec.CompletedAt != nil {
		at = *rec.CompletedAt
	}
	err := c.ledger.Credit(ctx, reward.Credit{
		ConsolidationID: rec.ID,
		Owner:           rec.Owner,
		OutputToken:     rec.OutputToken,
		NetOutput:       rec.NetOutput,
		InputCount:      len(rec.InputTokens),
		UserOpHash:      rec.UserOpHash,
		TxHash:          rec.TxHash,
		ConfirmedAt:     at,
	})
	if err != nil {
		c.logger.Error("reward credit failed",
			zap.String("consolidation_id", rec.ID),
			zap.Error(err))
	}
}

func (c *Coordinator) fail(ctx context.Context, id string, msg string) (*domain.ConsolidationRecord, error) {
	return c.failWith(ctx, id, storage.RecordUpdate{ErrorMessage: msg})
}

func (c *Coordinator) failWith(ctx context.Context, id string, upd storage.RecordUpdate) (*domain.ConsolidationRecord, error) {
	rec, err := c.record(ctx, id, domain.StatusFailed, upd)
	if err != nil {
		return nil, err
	}
	c.logger.Warn("consolidation failed",
		zap.String("consolidation_id", id),
		zap.String("reason", rec.ErrorMessage))
	return rec, nil
}

// record moves a claimed record out of submitted, retrying store errors.
// A conflict after a retry means an earlier attempt landed; the stored
// record is returned when it already holds the target status.
func (c *Coordinator) record(ctx context.Context, id string, to domain.ConsolidationStatus, upd storage.RecordUpdate) (*domain.ConsolidationRecord, error) {
	policy := c.storeRetry
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		c.logger.Warn("store write failed, retrying",
			zap.String("consolidation_id", id),
			zap.String("to", string(to)),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	rec, err := retry.DoValue(ctx, policy, retry.Write, func(ctx context.Context) (*domain.ConsolidationRecord, error) {
		return c.transition(ctx, id, domain.StatusSubmitted, to, upd)
	})
	if errors.Is(err, storage.ErrConflict) {
		if stored, getErr := c.records.GetByID(ctx, id); getErr == nil && stored.Status == to {
			c.metrics.RecordStatusChange(string(domain.StatusSubmitted), string(to))
			c.notify(stored)
			return stored, nil
		}
	}
	if err != nil {
		c.logger.Error("consolidation left submitted",
			zap.String("consolidation_id", id),
			zap.String("to", string(to)),
			zap.String("txHash", upd.TxHash),
			zap.Error(err))
		return nil, err
	}
	return rec, nil
}

func (c *Coordinator) transition(ctx context.Context, id string, from, to domain.ConsolidationStatus, upd storage.RecordUpdate) (*domain.ConsolidationRecord, error) {
	rec, err := c.records.Transition(ctx, id, from, to, upd)
	if err != nil {
		return nil, errors.Wrapf(err, "move consolidation %s from %s to %s", id, from, to)
	}
	c.metrics.RecordStatusChange(string(from), string(to))
	c.notify(rec)
	return rec, nil
}

// storeWriteRetryable reports whether a failed store write may be repeated.
func storeWriteRetryable(err error) bool {
	return !errors.IsAny(err, storage.ErrConflict, storage.ErrInvalidInput, storage.ErrNotFound)
}

// DefaultStoreRetry bounds the writes that follow a broadcast.
func DefaultStoreRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts:    4,
		BaseDelay:      200 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       2 * time.Second,
		AttemptTimeout: 5 * time.Second,
		RetryOnWrite:   true,
		Provider:       "consolidation store",
		Classify:       storeWriteRetryable,
	}
}
