package store

import (
	"fmt"
	"regexp"

	"github.com/gardenledger/garden/block"
)

// Declare database key prefix for objects
const (
	PrefixBlock       = "blk:"
	PrefixHead        = "head:"
	PrefixHeadHistory = "head_hist:"

	PrefixMetaFinalized   = "meta:final:"
	PrefixMetaHistorySeq  = "meta:hist_seq:"
	PrefixMetaUnavailable = "meta:unavailable:"
)

var chainNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// ValidChainName reports whether name can identify a chain. Names never contain ':'
// so they are safe inside composite keys.
func ValidChainName(name string) bool {
	return chainNameRe.MatchString(name)
}

func blockKey(h block.Hash) []byte {
	return []byte(PrefixBlock + h.String())
}

func headKey(chain string) []byte {
	return []byte(PrefixHead + chain)
}

func headHistoryPrefix(chain string) []byte {
	return []byte(PrefixHeadHistory + chain + ":")
}

// sequence numbers are zero padded so key order is write order
func headHistoryKey(chain string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", PrefixHeadHistory, chain, seq))
}

func finalizedKey(chain string) []byte {
	return []byte(PrefixMetaFinalized + chain)
}

func historySeqKey(chain string) []byte {
	return []byte(PrefixMetaHistorySeq + chain)
}

func unavailableKey(chain string) []byte {
	return []byte(PrefixMetaUnavailable + chain)
}
