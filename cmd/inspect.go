package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/gardenledger/garden/garden"
	"github.com/gardenledger/garden/jsonx"
	"github.com/gardenledger/garden/store"
	"github.com/spf13/cobra"
)

var (
	inspectDataDir string
	catState       bool
)

var catCmd = &cobra.Command{
	Use:   "cat <chain>",
	Short: "Print a stored chain as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bs, err := openInspectStore()
		if err != nil {
			return err
		}
		defer bs.Close()
		return catChain(cmd.OutOrStdout(), bs, args[0], catState)
	},
}

var headsCmd = &cobra.Command{
	Use:   "heads",
	Short: "List the chains in a store and their heads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bs, err := openInspectStore()
		if err != nil {
			return err
		}
		defer bs.Close()
		return listHeads(cmd.OutOrStdout(), bs)
	},
}

func init() {
	rootCmd.AddCommand(catCmd, headsCmd)
	for _, c := range []*cobra.Command{catCmd, headsCmd} {
		c.Flags().StringVar(&inspectDataDir, "data-dir", "./data", "Node data directory")
	}
	catCmd.Flags().BoolVar(&catState, "state", false, "Print the projected garden instead of the blocks")
}

func openInspectStore() (*store.BlockStore, error) {
	return store.Open(&store.StoreConfig{
		Type:      store.LevelDBStoreType,
		Directory: filepath.Join(inspectDataDir, "db"),
	})
}

type stateView struct {
	Head   string         `json:"head"`
	Height uint64         `json:"height"`
	Plot   *garden.Plot   `json:"plot,omitempty"`
	Plants []garden.Entry `json:"plants"`
}

func catChain(w io.Writer, bs *store.BlockStore, chain string, state bool) error {
	head, ok, err := bs.Head(chain)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(w, "no chain named %q, available:\n", chain)
		if err := listHeads(w, bs); err != nil {
			return err
		}
		return fmt.Errorf("unknown chain %q", chain)
	}
	c, err := bs.LoadChain(head)
	if err != nil {
		return err
	}

	var v interface{} = c.Blocks()
	if state {
		s := garden.Project(c)
		v = stateView{Head: s.Head.String(), Height: s.Height, Plot: s.Plot, Plants: s.Entries()}
	}
	out, err := jsonx.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func listHeads(w io.Writer, bs *store.BlockStore) error {
	heads, err := bs.Heads()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(heads))
	for name := range heads {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, heads[name].String())
	}
	return nil
}
