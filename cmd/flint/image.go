package main

import (
	"io"
	"log"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"github.com/dnr/flint/common"
	"github.com/dnr/flint/common/cobrautil"
	"github.com/dnr/flint/flash"
	"github.com/dnr/flint/ota"
	"github.com/dnr/flint/ptable"
)

type newArgs struct {
	size  string
	table string
}

var imageCmd = cobrautil.Cmd(
	&cobra.Command{
		Use:     "image",
		Aliases: []string{"i"},
		Short:   "work on image files directly, without the daemon",
	},

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "new <file>",
			Short: "create an erased image with a partition table",
			Args:  cobra.ExactArgs(1),
		},
		func(c *cobra.Command) *newArgs {
			var nargs newArgs
			c.Flags().StringVar(&nargs.size, "size", "", "image size (e.g. 4M or 0x400000)")
			c.MarkFlagRequired("size")
			c.Flags().StringVar(&nargs.table, "table", "ota", "partition table: ota, single, none, or a csv file or url")
			return &nargs
		},
		runImageNew,
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "inspect <file>",
			Short: "print the table, app images, and ota state of an image",
			Args:  cobra.ExactArgs(1),
		},
		runImageInspect,
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "dump <image> <out.zst>",
			Short: "compress an image into a snapshot file",
			Args:  cobra.ExactArgs(2),
		},
		runImageDump,
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "restore <in.zst> <image>",
			Short: "recreate an image from a snapshot file",
			Args:  cobra.ExactArgs(2),
		},
		runImageRestore,
	),
)

func runImageNew(args []string, nargs *newArgs) error {
	size, err := ptable.ParseSize(nargs.size)
	if err != nil {
		return err
	}
	var tab *ptable.Table
	switch nargs.table {
	case "none":
	case "ota":
		tab = ptable.DefaultOTA(size)
	case "single":
		tab = ptable.DefaultSingleApp(size)
	default:
		data, err := common.LoadFromFileOrHttpUrl(nargs.table)
		if err != nil {
			return err
		}
		if tab, err = ptable.ParseCSV(data); err != nil {
			return err
		}
	}
	if tab != nil {
		if err := tab.Validate(size); err != nil {
			return err
		}
	}
	fl, err := flash.CreateFile(args[0], size)
	if err != nil {
		return err
	}
	if tab != nil {
		if err := tab.Write(fl); err != nil {
			fl.Close()
			return err
		}
	}
	if err := fl.Close(); err != nil {
		return err
	}
	log.Printf("created %s, %d bytes", args[0], size)
	return nil
}

func runImageInspect(args []string) error {
	fl, err := flash.OpenFile(args[0])
	if err != nil {
		return err
	}
	defer fl.Close()

	pr := message.NewPrinter(message.MatchLanguage("en"))
	pr.Printf("%s: %d bytes, %d of %d blocks erased\n",
		args[0], fl.Size(), fl.CleanBlocks(), fl.Size()/flash.NativeBlockSize)

	tab, err := ptable.Read(fl)
	if err != nil {
		pr.Printf("no partition table (%v)\n", err)
		return nil
	}
	os.Stdout.Write(tab.MarshalCSV())

	o, err := ota.New(fl, tab)
	if err != nil {
		return nil
	}
	if b, err := o.Boot(); err == nil {
		pr.Printf("boot: %s\n", b.Label)
	}
	if f := o.Factory(); f != nil {
		pr.Printf("factory: %s\n", describeApp(o, f))
	}
	for i, sp := range o.Slots() {
		line := describeApp(o, sp)
		if st, err := o.State(i); err == nil {
			line = st.String() + ", " + line
		}
		pr.Printf("slot %d (%s): %s\n", i, sp.Label, line)
	}
	if ok, err := o.CheckRollback(); err == nil {
		pr.Printf("rollback possible: %v\n", ok)
	}
	return nil
}

func describeApp(o *ota.Ota, p *ptable.Partition) string {
	desc, err := o.Description(p)
	if err != nil {
		return "no app image"
	}
	return desc.ProjectName + " " + desc.Version +
		" (" + desc.IdfVer + ", built " + desc.Date + " " + desc.Time + ")"
}

func runImageDump(args []string) error {
	fl, err := flash.OpenFile(args[0])
	if err != nil {
		return err
	}
	defer fl.Close()
	out, err := os.OpenFile(args[1], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err = io.Copy(zw, io.NewSectionReader(fl, 0, fl.Size())); err == nil {
		err = zw.Close()
	}
	if err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if st, err := os.Stat(args[1]); err == nil {
		log.Printf("dumped %d bytes to %s (%d compressed)", fl.Size(), args[1], st.Size())
	}
	return nil
}

func runImageRestore(args []string) error {
	in, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer in.Close()
	zr, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer zr.Close()
	out, err := os.OpenFile(args[1], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, zr)
	if err == nil {
		err = out.Close()
	}
	if err != nil {
		out.Close()
		os.Remove(args[1])
		return err
	}
	// reopen to check it came out as a usable image
	fl, err := flash.OpenFile(args[1])
	if err != nil {
		return err
	}
	fl.Close()
	log.Printf("restored %s, %d bytes", args[1], n)
	return nil
}
