package reward

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCredit(id string) Credit {
	return Credit{
		ConsolidationID: id,
		Owner:           common.HexToAddress("0x1111111111111111111111111111111111111111"),
		OutputToken:     common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		NetOutput:       "11904000",
		InputCount:      3,
		UserOpHash:      "0xabc",
		TxHash:          "0xdef",
		ConfirmedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestProducerConfigIsValid(t *testing.T) {
	cfg := ProducerConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Idempotent)
}

func TestKafkaLedger_PublishesOneKeyedMessage(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "dustsweep.rewards" {
			return errors.Newf("topic %q", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "c-001" {
			return errors.Newf("key %q", key)
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var got Credit
		if err := json.Unmarshal(raw, &got); err != nil {
			return err
		}
		if got.NetOutput != "11904000" || got.TxHash != "0xdef" {
			return errors.Newf("payload %s", raw)
		}
		return nil
	})

	ledger, err := NewKafkaLedgerWithProducer(producer, "dustsweep.rewards")
	require.NoError(t, err)

	require.NoError(t, ledger.Credit(context.Background(), testCredit("c-001")))
	// Close verifies every expectation was consumed.
	require.NoError(t, ledger.Close())
}

func TestKafkaLedger_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	ledger, err := NewKafkaLedgerWithProducer(producer, "dustsweep.rewards")
	require.NoError(t, err)

	err = ledger.Credit(context.Background(), testCredit("c-002"))
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	assert.Contains(t, err.Error(), "c-002")
	require.NoError(t, ledger.Close())
}

func TestKafkaLedger_CanceledContextSendsNothing(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	ledger, err := NewKafkaLedgerWithProducer(producer, "dustsweep.rewards")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ledger.Credit(ctx, testCredit("c-003")), context.Canceled)
	require.NoError(t, ledger.Close())
}

func TestNewKafkaLedger_Validation(t *testing.T) {
	_, err := NewKafkaLedger(nil, "topic")
	assert.Error(t, err)

	_, err = NewKafkaLedgerWithProducer(mocks.NewSyncProducer(t, nil), "")
	assert.Error(t, err)
}

func TestMemoryLedger_IgnoresRepeatedCredit(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, testCredit("c-001")))
	require.NoError(t, l.Credit(ctx, testCredit("c-001")))
	require.NoError(t, l.Credit(ctx, testCredit("c-002")))

	credits := l.Credits()
	require.Len(t, credits, 2)
	assert.Equal(t, "c-001", credits[0].ConsolidationID)
	assert.Equal(t, 2, l.OwnerCount(testCredit("").Owner))
}
