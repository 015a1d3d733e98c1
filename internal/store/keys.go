package store

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// Redis key templates
const (
	voucherKeyFmt      = "voucher:%s"            // %s = voucher id
	stateIndexKeyFmt   = "vouchers:state:%s"     // zset, score = created_at ms
	collectedIdxKeyFmt = "vouchers:collected:%s" // zset per allocation
	allocationKeyFmt   = "allocation:%s"         // hash
	allocationsKey     = "allocations"           // set of allocation ids
	attemptsKeyFmt     = "tx:attempts:%s"        // hash index -> attempt JSON
	batchKeyFmt        = "claim:batch:%s"        // claim batch JSON
	openBatchesKey     = "claims:open"           // set of unresolved batch ids
)

func voucherKey(id common.Hash) string { return fmt.Sprintf(voucherKeyFmt, id.Hex()) }

func stateIndexKey(s voucher.State) string { return fmt.Sprintf(stateIndexKeyFmt, s) }

func collectedIndexKey(alloc common.Address) string {
	return fmt.Sprintf(collectedIdxKeyFmt, strings.ToLower(alloc.Hex()))
}

func allocationKey(alloc common.Address) string {
	return fmt.Sprintf(allocationKeyFmt, strings.ToLower(alloc.Hex()))
}

func attemptsKey(intentID string) string { return fmt.Sprintf(attemptsKeyFmt, intentID) }

func batchKey(id string) string { return fmt.Sprintf(batchKeyFmt, id) }
