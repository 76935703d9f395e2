package rawdb

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidnetwork/go-corvid/core/types"
)

func testBlock(height uint32) *types.Block {
	txs := types.Transactions{{
		Transitions: []*types.Transition{{
			Commitments:   []common.Hash{common.BytesToHash([]byte{byte(height), 1})},
			CiphertextIDs: []common.Hash{common.BytesToHash([]byte{byte(height), 2})},
			Ciphertexts:   [][]byte{{byte(height), 3}},
			Proof:         []byte{byte(height), 4},
		}},
	}}
	header := &types.BlockHeader{
		TransactionsRoot: txs.Root(),
		Height:           height,
		Timestamp:        1615249200 + int64(height),
		DifficultyTarget: 1 << 62,
		Nonce:            uint64(height),
	}
	return types.NewBlock(common.BytesToHash([]byte{byte(height)}), header, txs)
}

func TestReadWriteHeadBlockHeight(t *testing.T) {
	db := NewMemoryDatabase()

	assert.Nil(t, ReadHeadBlockHeight(db), "the head height is not nil")

	WriteHeadBlockHeight(db, 42)
	head := ReadHeadBlockHeight(db)
	require.NotNil(t, head, "the head height is nil")
	assert.Equal(t, uint32(42), *head)
}

func TestReadWriteBlock(t *testing.T) {
	db := NewMemoryDatabase()
	block := testBlock(7)

	assert.Nil(t, ReadBlock(db, 7), "the block is not nil")

	WriteBlock(db, block)

	got := ReadBlock(db, 7)
	require.NotNil(t, got, "the block is nil")
	assert.Equal(t, block.Hash(), got.Hash())

	// WriteBlock also maintains the hash and header indices.
	assert.Equal(t, block.Hash(), ReadCanonicalHash(db, 7))
	header := ReadHeader(db, 7)
	require.NotNil(t, header, "the header is nil")
	assert.Equal(t, block.Header.Hash(), header.Hash())
	height := ReadBlockHeight(db, block.Hash())
	require.NotNil(t, height, "the height is nil")
	assert.Equal(t, uint32(7), *height)

	DeleteBlock(db, block)
	assert.Nil(t, ReadBlock(db, 7))
	assert.Equal(t, common.Hash{}, ReadCanonicalHash(db, 7))
	assert.Nil(t, ReadHeader(db, 7))
	assert.Nil(t, ReadBlockHeight(db, block.Hash()))
}

func TestReadWriteLookupEntries(t *testing.T) {
	db := NewMemoryDatabase()
	block := testBlock(3)
	tx := block.Transactions[0]
	transition := tx.Transitions[0]

	assert.Nil(t, ReadTxLookupEntry(db, tx.ID()), "the lookup entry is not nil")

	WriteLookupEntries(db, block)

	entry := ReadTxLookupEntry(db, tx.ID())
	require.NotNil(t, entry, "the lookup entry is nil")
	assert.Equal(t, uint32(3), entry.BlockHeight)
	assert.Equal(t, uint32(0), entry.Index)

	tsEntry := ReadTransitionLookupEntry(db, transition.ID())
	require.NotNil(t, tsEntry, "the transition entry is nil")
	assert.Equal(t, uint32(3), tsEntry.BlockHeight)

	commitment := ReadCommitmentLookupEntry(db, transition.Commitments[0])
	require.NotNil(t, commitment, "the commitment entry is nil")
	assert.Equal(t, transition.ID(), commitment.TransitionID)

	assert.Equal(t, transition.Ciphertexts[0], ReadCiphertext(db, transition.CiphertextIDs[0]))

	DeleteLookupEntries(db, block)
	assert.Nil(t, ReadTxLookupEntry(db, tx.ID()))
	assert.Nil(t, ReadTransitionLookupEntry(db, transition.ID()))
	assert.Nil(t, ReadCommitmentLookupEntry(db, transition.Commitments[0]))
	assert.Empty(t, ReadCiphertext(db, transition.CiphertextIDs[0]))
}

func TestBatchedWritesAreAtomic(t *testing.T) {
	db := NewMemoryDatabase()
	block := testBlock(5)

	batch := db.NewBatch()
	WriteBlock(batch, block)
	WriteHeadBlockHeight(batch, 5)

	// Nothing is visible until the batch commits.
	assert.Nil(t, ReadBlock(db, 5))
	assert.Nil(t, ReadHeadBlockHeight(db))

	require.NoError(t, batch.Write())
	require.NotNil(t, ReadBlock(db, 5))
	head := ReadHeadBlockHeight(db)
	require.NotNil(t, head)
	assert.Equal(t, uint32(5), *head)
}
