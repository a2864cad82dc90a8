// Package consensus decides which of two histories of the same garden a peer adopts.
package consensus

import (
	"fmt"

	"github.com/gardenledger/garden/block"
	"github.com/pkg/errors"
)

type Relation int

const (
	Identical Relation = iota
	RemoteExtendsLocal
	LocalExtendsRemote
	Forked
)

func (r Relation) String() string {
	switch r {
	case Identical:
		return "identical"
	case RemoteExtendsLocal:
		return "remote_extends_local"
	case LocalExtendsRemote:
		return "local_extends_remote"
	case Forked:
		return "forked"
	}
	return fmt.Sprintf("relation(%d)", int(r))
}

// FindCommonAncestor returns the position of the newest block both rooted chains
// share. Positions equal block indices in a rooted chain, so the walk compares the
// two chains index by index from the shorter head down to genesis.
func FindCommonAncestor(a, b block.Chain) (int, error) {
	i := a.Len() - 1
	if b.Len()-1 < i {
		i = b.Len() - 1
	}
	for ; i >= 0; i-- {
		if a.At(i).Hash == b.At(i).Hash {
			return i, nil
		}
	}
	return -1, &ReconciliationError{
		Kind:       KindNoCommonAncestor,
		LocalHead:  a.HeadHash(),
		RemoteHead: b.HeadHash(),
	}
}

// Classify places remote relative to local. A rootless remote is first grafted onto
// local at its first block's parent. ancestor is the position of the newest shared
// block, -1 when one side is empty.
func Classify(local, remote block.Chain) (rel Relation, ancestor int, err error) {
	if remote, err = rootRemote(local, remote); err != nil {
		return Forked, -1, err
	}
	return classifyRooted(local, remote)
}

func classifyRooted(local, remote block.Chain) (Relation, int, error) {
	switch {
	case local.HeadHash() == remote.HeadHash():
		return Identical, local.Len() - 1, nil
	case local.IsEmpty():
		return RemoteExtendsLocal, -1, nil
	case remote.IsEmpty():
		return LocalExtendsRemote, -1, nil
	}

	ancestor, err := FindCommonAncestor(local, remote)
	if err != nil {
		return Forked, -1, err
	}
	switch ancestor {
	case local.Len() - 1:
		return RemoteExtendsLocal, ancestor, nil
	case remote.Len() - 1:
		return LocalExtendsRemote, ancestor, nil
	}
	return Forked, ancestor, nil
}

// rootRemote grafts a rootless remote continuation onto local.
func rootRemote(local, remote block.Chain) (block.Chain, error) {
	if !local.Rooted() {
		return remote, errors.New("local chain must be rooted")
	}
	if remote.Rooted() {
		return remote, nil
	}
	grafted, err := remote.Graft(local)
	if err != nil {
		if errors.Is(err, block.ErrNotAttached) {
			return remote, &ReconciliationError{
				Kind:       KindNoCommonAncestor,
				LocalHead:  local.HeadHash(),
				RemoteHead: remote.HeadHash(),
				Err:        err,
			}
		}
		return remote, err
	}
	return grafted, nil
}
