package block

import "github.com/gardenledger/garden/identity"

// VerifyIntegrity checks the content address and the author signature of b without
// looking at its position in a chain.
func VerifyIntegrity(b *Block) error {
	if got := b.ComputeHash(); got != b.Hash {
		return invalid(KindHashMismatch, b, "recomputed %s", got.Short())
	}
	digest := b.SigningDigest()
	if err := identity.Verify(b.Author, digest[:], b.Signature); err != nil {
		return invalid(KindInvalidSignature, b, "author %s: %v", b.Author.Short(), err)
	}
	return nil
}

// Validate checks candidate as the successor of prev. A nil prev means candidate must
// be a genesis block.
func Validate(candidate, prev *Block) error {
	if candidate == nil {
		return &ValidationError{Kind: KindBrokenLinkage, Reason: "nil block"}
	}
	if err := VerifyIntegrity(candidate); err != nil {
		return err
	}

	if prev == nil {
		if !candidate.IsGenesis() {
			return invalid(KindBrokenLinkage, candidate, "parent %s unknown", candidate.PrevHash.Short())
		}
		if !candidate.PrevHash.IsRoot() {
			return invalid(KindBrokenLinkage, candidate, "genesis must reference the root hash")
		}
		return nil
	}

	if candidate.PrevHash != prev.Hash {
		return invalid(KindBrokenLinkage, candidate, "prev hash %s, parent is %s", candidate.PrevHash.Short(), prev.Hash.Short())
	}
	if candidate.Index != prev.Index+1 {
		return invalid(KindBrokenLinkage, candidate, "index follows #%d", prev.Index)
	}
	if candidate.Timestamp < prev.Timestamp {
		return invalid(KindNonMonotonicTimestamp, candidate, "timestamp %d before parent %d", candidate.Timestamp, prev.Timestamp)
	}
	return nil
}
