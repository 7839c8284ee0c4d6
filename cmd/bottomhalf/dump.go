package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/bottomhalf/extable"
	"github.com/evanphx/bottomhalf/loader"
	"github.com/pkg/errors"
)

func readTable(path string) (extable.Table, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return extable.Table{}, "", err
	}

	defer f.Close()

	return loader.NewLoader(nil).LoadTable(f)
}

func dump(path string, verbose bool) error {
	tbl, digest, err := readTable(path)
	if err != nil {
		return err
	}

	fmt.Printf("\n[image]\n")
	fmt.Printf("digest  %s\n", digest)
	fmt.Printf("entries %d\n", tbl.Len())

	fmt.Printf("\n[entries]\n")
	tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	for i, ent := range tbl.Entries() {
		fmt.Fprintf(tr, "%d\t%#x\t-> %#x\n", i, ent.Insn, ent.Fixup)
	}
	tr.Flush()

	if verbose {
		fmt.Printf("\n[raw]\n")
		spew.Dump(tbl.Entries())
	}

	return nil
}

func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

func lookup(path string, addrs []string) error {
	tbl, _, err := readTable(path)
	if err != nil {
		return err
	}

	tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	defer tr.Flush()

	for _, s := range addrs {
		addr, err := parseAddr(s)
		if err != nil {
			return errors.Wrapf(err, "bad address %q", s)
		}

		if fixup, ok := tbl.Lookup(addr); ok {
			fmt.Fprintf(tr, "%#x\t-> %#x\n", addr, fixup)
		} else {
			fmt.Fprintf(tr, "%#x\tnot found\n", addr)
		}
	}

	return nil
}

func encode(out string, pairs []string) error {
	entries := make([]extable.Entry, 0, len(pairs))

	for _, p := range pairs {
		insn, fixup, ok := strings.Cut(p, ":")
		if !ok {
			return errors.Errorf("bad entry %q, want insn:fixup", p)
		}

		var (
			ent extable.Entry
			err error
		)

		if ent.Insn, err = parseAddr(insn); err != nil {
			return errors.Wrapf(err, "bad entry %q", p)
		}

		if ent.Fixup, err = parseAddr(fixup); err != nil {
			return errors.Wrapf(err, "bad entry %q", p)
		}

		entries = append(entries, ent)
	}

	tbl := extable.Build(entries)

	err := tbl.Validate()
	if err != nil {
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}

	err = loader.EncodeTable(f, tbl)
	if err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
