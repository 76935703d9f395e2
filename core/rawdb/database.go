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

package rawdb

import (
	"github.com/corvidnetwork/go-corvid/cvdb"
	"github.com/corvidnetwork/go-corvid/cvdb/leveldb"
	"github.com/corvidnetwork/go-corvid/cvdb/memorydb"
)

// NewMemoryDatabase creates an ephemeral database for tests and throwaway
// nodes.
func NewMemoryDatabase() cvdb.Database {
	return memorydb.New()
}

// NewLevelDBDatabase creates a persistent database at the given path.
func NewLevelDBDatabase(file string, cache int, handles int) (cvdb.Database, error) {
	return leveldb.New(file, cache, handles)
}
