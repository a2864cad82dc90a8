package discovery

import (
	"path/filepath"

	badger "github.com/ipfs/go-ds-badger"
	libp2p_dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/pkg/errors"
)

type DHTConfig struct {
	BootNodes []string
	// DataStoreDir persists the routing table and provider records across restarts.
	DataStoreDir    string
	DiscConcurrency int
	// Client keeps the node out of other peers' routing tables.
	Client bool
}

func (opt DHTConfig) GetLibp2pRawOptions() ([]libp2p_dht.Option, error) {
	opts := []libp2p_dht.Option{
		libp2p_dht.ProtocolPrefix(ProtocolPrefix),
		libp2p_dht.Mode(libp2p_dht.ModeAutoServer),
	}
	if opt.Client {
		opts[1] = libp2p_dht.Mode(libp2p_dht.ModeClient)
	}

	bootOption, err := getBootstrapOption(opt.BootNodes)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to get bootstrap option")
	}
	opts = append(opts, bootOption)

	if opt.DataStoreDir != "" {
		dsOption, err := getDataStoreOption(opt.DataStoreDir)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to get data store option")
		}
		opts = append(opts, dsOption)
	}

	// 0 keeps the libp2p default (alpha in the Kademlia paper)
	if opt.DiscConcurrency > 0 {
		opts = append(opts, libp2p_dht.Concurrency(opt.DiscConcurrency))
	}
	return opts, nil
}

func getBootstrapOption(bootNodes []string) (libp2p_dht.Option, error) {
	resolved, err := ResolveAndParseMultiAddrs(bootNodes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse boot nodes")
	}
	return libp2p_dht.BootstrapPeers(resolved...), nil
}

func getDataStoreOption(dir string) (libp2p_dht.Option, error) {
	ds, err := badger.NewDatastore(filepath.Clean(dir), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open Badger data store at %s", dir)
	}
	return libp2p_dht.Datastore(ds), nil
}
