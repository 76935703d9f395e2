// Copyright 2021 The go-corvid Authors
// This file is part of the go-corvid library.
//
// The go-corvid library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-corvid library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-corvid library. If not, see <http://www.gnu.org/licenses/>.

package core

import (
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/corvidnetwork/go-corvid/core/types"
)

// BlockLocator is one claimed chain entry: the block hash at a height, with
// the full header attached for recent heights.
type BlockLocator struct {
	Hash   common.Hash
	Header *types.BlockHeader
}

// BlockLocators is a compact proof of a claimed chain: a height-indexed
// selection of hashes, dense near the tip and exponentially sparser toward
// genesis. Genesis and the tip are always present.
type BlockLocators map[uint32]BlockLocator

// Heights returns the locator heights in descending order.
func (l BlockLocators) Heights() []uint32 {
	heights := make([]uint32, 0, len(l))
	for height := range l {
		heights = append(heights, height)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] > heights[j] })
	return heights
}

// Tip returns the highest locator height.
func (l BlockLocators) Tip() uint32 {
	var tip uint32
	for height := range l {
		if height > tip {
			tip = height
		}
	}
	return tip
}

// extBlockLocator is the wire form of one locator entry. The header is
// nullable: only recent entries carry one.
type extBlockLocator struct {
	Height uint32
	Hash   common.Hash
	Header *types.BlockHeader `rlp:"nil"`
}

// EncodeRLP implements rlp.Encoder. Entries are sorted by descending height
// so the encoding is canonical.
func (l BlockLocators) EncodeRLP(w io.Writer) error {
	entries := make([]extBlockLocator, 0, len(l))
	for _, height := range l.Heights() {
		locator := l[height]
		entries = append(entries, extBlockLocator{Height: height, Hash: locator.Hash, Header: locator.Header})
	}
	return rlp.Encode(w, entries)
}

// DecodeRLP implements rlp.Decoder.
func (l *BlockLocators) DecodeRLP(s *rlp.Stream) error {
	var entries []extBlockLocator
	if err := s.Decode(&entries); err != nil {
		return err
	}
	locators := make(BlockLocators, len(entries))
	for _, entry := range entries {
		locators[entry.Height] = BlockLocator{Hash: entry.Hash, Header: entry.Header}
	}
	*l = locators
	return nil
}
