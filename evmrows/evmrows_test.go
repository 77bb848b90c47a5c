// Copyright 2026 The Chainarchive Authors
// This file is part of Chainarchive.
//
// Chainarchive is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainarchive is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainarchive. If not, see <http://www.gnu.org/licenses/>.

package evmrows

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/chainarchive/internal/archiveerr"
	"github.com/erigontech/chainarchive/ingest"
)

func TestTraceRowsDecodesParityShape(t *testing.T) {
	raw := json.RawMessage(`{
		"transactionHash": "0xabc",
		"traceAddress": [0, 1],
		"type": "call",
		"action": {"from": "0xfrom", "to": "0xto", "value": "0x1", "input": "0xa9059cbb00"}
	}`)
	bd := ingest.BlockData{Number: 100, Traces: []json.RawMessage{raw}}

	rows, err := traceRows(bd)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "0.1", rows[0]["trace_address"])
	assert.Equal(t, "0xfrom", rows[0]["from"])
	assert.Equal(t, "0xto", rows[0]["to"])
	assert.Equal(t, "0xa9059cbb", rows[0]["sighash"])
}

func TestTraceRowsRejectsDebugAPIShape(t *testing.T) {
	bd := ingest.BlockData{Number: 100, Traces: []json.RawMessage{[]byte(`{}`)}, TracesViaDebugAPI: true}

	_, err := traceRows(bd)
	require.Error(t, err)
	assert.True(t, errors.Is(err, archiveerr.ErrFatalRPC))
}

func TestStateDiffRowsDecodesParityShape(t *testing.T) {
	raw := json.RawMessage(`{
		"transactionHash": "0xabc",
		"stateDiff": {
			"0xaddr": {
				"balance": {"*": {"from": "0x1", "to": "0x2"}},
				"nonce": "=",
				"code": "=",
				"storage": {
					"0xkey": {"+": "0x5"}
				}
			}
		}
	}`)
	bd := ingest.BlockData{Number: 100, StateDiffs: []json.RawMessage{raw}}

	rows, err := stateDiffRows(bd)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byKey := map[string]map[string]any{}
	for _, r := range rows {
		byKey[r["key"].(string)] = r
	}
	assert.Equal(t, "*", byKey["balance"]["kind"])
	assert.Equal(t, "0x1", byKey["balance"]["prev"])
	assert.Equal(t, "0x2", byKey["balance"]["next"])
	assert.Equal(t, "+", byKey["0xkey"]["kind"])
	assert.Equal(t, "0x5", byKey["0xkey"]["next"])
	assert.Nil(t, byKey["0xkey"]["prev"])
}

func TestStateDiffRowsRejectsDebugAPIShape(t *testing.T) {
	bd := ingest.BlockData{Number: 100, StateDiffs: []json.RawMessage{[]byte(`{}`)}, StateDiffsViaDebugAPI: true}

	_, err := stateDiffRows(bd)
	require.Error(t, err)
	assert.True(t, errors.Is(err, archiveerr.ErrFatalRPC))
}

func TestDecodeChangeUnchangedLiteral(t *testing.T) {
	_, _, _, changed := decodeChange(json.RawMessage(`"="`))
	assert.False(t, changed)
}

func TestTraceRowsRewardAndSuicideVariants(t *testing.T) {
	reward := json.RawMessage(`{
		"traceAddress": [],
		"type": "reward",
		"action": {"author": "0xminer", "value": "0x1bc16d674ec80000", "rewardType": "block"}
	}`)
	suicide := json.RawMessage(`{
		"transactionHash": "0xabc",
		"traceAddress": [2],
		"type": "suicide",
		"action": {"address": "0xdead", "refundAddress": "0xheir", "balance": "0x5"}
	}`)
	bd := ingest.BlockData{Number: 100, Traces: []json.RawMessage{reward, suicide}}

	rows, err := traceRows(bd)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "0xminer", rows[0]["author"])
	assert.Nil(t, rows[0]["tx_hash"])
	assert.Nil(t, rows[0]["refund_address"])

	assert.Equal(t, "0xheir", rows[1]["refund_address"])
	assert.Equal(t, "0xdead", rows[1]["from"])
	assert.Equal(t, "0x5", rows[1]["value"])
	assert.Nil(t, rows[1]["author"])
}
