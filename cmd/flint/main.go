package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dnr/flint/common"
	"github.com/dnr/flint/common/client"
	"github.com/dnr/flint/common/cobrautil"
	"github.com/dnr/flint/daemon"
	"github.com/dnr/flint/flash"
	"github.com/dnr/flint/ptable"
)

const defaultStateDir = "/var/lib/flint"

func main() {
	root := cobrautil.Cmd(
		&cobra.Command{
			Use:   "flint",
			Short: "flint - esp flash images as block devices",
		},
		daemonCmd,
		clientCmd,
		imageCmd,
	)
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

var daemonCmd = cobrautil.Cmd(
	&cobra.Command{
		Use:   "daemon",
		Short: "act as local daemon",
	},
	withDaemonConfig,
	func(cfg *daemon.Config) error {
		return daemon.FlintServer(*cfg).Run()
	},
)

func withDaemonConfig(c *cobra.Command) *daemon.Config {
	var cfg daemon.Config
	c.Flags().StringVar(&cfg.StateDir, "state", defaultStateDir, "path to state dir (db and socket)")
	c.Flags().StringVar(&cfg.Socket, "socket", "", "control socket path (default <state>/"+daemon.Socket+")")
	c.Flags().StringVar(&cfg.Bind, "bind", "", "tcp address to listen on instead of the socket")
	c.Flags().IntVar(&cfg.BlockSize, "block_size", 0, "default logical block size for attached devices")
	c.Flags().IntVar(&cfg.Workers, "workers", 0, "parallelism for reattach on startup")
	return &cfg
}

func withFlintClient(c *cobra.Command) func(*cobra.Command) error {
	addr := c.Flags().String("addr", filepath.Join(defaultStateDir, daemon.Socket),
		"daemon socket path or tcp host:port")
	return func(c *cobra.Command) error {
		cobrautil.Store(c, client.NewClient(*addr))
		return nil
	}
}

// docall makes a request whose response carries nothing beyond success
// or failure, and turns failure into an error with the daemon's message.
func docall(cli *client.FlintClient, path string, req any) error {
	var res daemon.Status
	status, err := cli.Call(path, req, &res)
	if err != nil {
		return err
	} else if status != http.StatusOK {
		if res.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", status, res.Error)
		}
		return common.NewHttpError(status, "")
	}
	return nil
}

type attachArgs struct {
	size      string
	blockSize int
}

var clientCmd = cobrautil.Cmd(
	&cobra.Command{
		Use:     "client",
		Aliases: []string{"c"},
		Short:   "client to local daemon",
	},

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "attach <name> <image file>",
			Short: "attach an image file as a device",
			Args:  cobra.ExactArgs(2),
		},
		withFlintClient,
		func(c *cobra.Command) *attachArgs {
			var aargs attachArgs
			c.Flags().StringVar(&aargs.size, "size", "", "create the image with this size if missing (e.g. 4M)")
			c.Flags().IntVar(&aargs.blockSize, "block_size", 0, "logical block size (default: daemon default)")
			return &aargs
		},
		func(args []string, aargs *attachArgs, cli *client.FlintClient) error {
			path, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			req := daemon.AttachReq{Name: args[0], Path: path, BlockSize: aargs.blockSize}
			if aargs.size != "" {
				if req.Size, err = ptable.ParseSize(aargs.size); err != nil {
					return err
				}
			}
			return docall(cli, daemon.AttachPath, &req)
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "detach <name>",
			Short: "detach a device, keeping its image file",
			Args:  cobra.ExactArgs(1),
		},
		withFlintClient,
		func(args []string, cli *client.FlintClient) error {
			return docall(cli, daemon.DetachPath, &daemon.DetachReq{Name: args[0]})
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "list",
			Short: "list known devices",
			Args:  cobra.NoArgs,
		},
		withFlintClient,
		func(cli *client.FlintClient) error {
			return cli.CallAndPrint(daemon.ListPath, &daemon.ListReq{})
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "info <device> <partition>",
			Short: "print one partition",
			Args:  cobra.ExactArgs(2),
		},
		withFlintClient,
		func(args []string, cli *client.FlintClient) error {
			return cli.CallAndPrint(daemon.InfoPath, &daemon.InfoReq{Device: args[0], Partition: args[1]})
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "table <device>",
			Short: "print the partition table",
			Args:  cobra.ExactArgs(1),
		},
		withFlintClient,
		func(c *cobra.Command) func([]string, *client.FlintClient) error {
			csv := c.Flags().Bool("csv", false, "print in csv form")
			return func(args []string, cli *client.FlintClient) error {
				req := daemon.TableReq{Device: args[0]}
				if !*csv {
					return cli.CallAndPrint(daemon.TablePath, &req)
				}
				var res daemon.TableResp
				status, err := cli.Call(daemon.TablePath, &req, &res)
				if err != nil {
					return err
				} else if status != http.StatusOK {
					return common.NewHttpError(status, "")
				}
				_, err = os.Stdout.WriteString(res.Csv)
				return err
			}
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "read <device> <partition> <block>",
			Short: "read blocks from a partition",
			Args:  cobra.ExactArgs(3),
		},
		withFlintClient,
		func(c *cobra.Command) func([]string, *client.FlintClient) error {
			length := c.Flags().Int64("len", flash.NativeBlockSize, "bytes to read")
			off := c.Flags().Int64("off", -1, "byte offset from block, allows any --len")
			out := c.Flags().StringP("out", "o", "", "write to file instead of stdout")
			return func(args []string, cli *client.FlintClient) error {
				block, err := strconv.ParseInt(args[2], 0, 64)
				if err != nil {
					return err
				}
				req := daemon.ReadReq{Device: args[0], Partition: args[1], Block: block, Length: *length}
				if *off >= 0 {
					req.Off = off
				}
				var res daemon.ReadResp
				status, err := cli.Call(daemon.ReadPath, &req, &res)
				if err != nil {
					return err
				} else if status != http.StatusOK {
					return common.NewHttpError(status, "")
				}
				if *out != "" {
					return os.WriteFile(*out, res.Data, 0o644)
				}
				_, err = os.Stdout.Write(res.Data)
				return err
			}
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "write <device> <partition> <block>",
			Short: "erase and write blocks of a partition",
			Args:  cobra.ExactArgs(3),
		},
		withFlintClient,
		func(c *cobra.Command) func([]string, *client.FlintClient) error {
			in := c.Flags().StringP("in", "i", "", "read data from file instead of stdin")
			off := c.Flags().Int64("off", -1, "write at byte offset from block without erasing")
			zst := c.Flags().Bool("zstd", false, "compress data on the wire")
			return func(args []string, cli *client.FlintClient) error {
				block, err := strconv.ParseInt(args[2], 0, 64)
				if err != nil {
					return err
				}
				data, err := readInput(*in)
				if err != nil {
					return err
				}
				req := daemon.WriteReq{Device: args[0], Partition: args[1], Block: block, Data: data}
				if *off >= 0 {
					req.Off = off
				}
				if *zst {
					if req.Data, err = common.GetZstdCtxPool().Compress(nil, data); err != nil {
						return err
					}
					req.Zstd = true
				}
				return docall(cli, daemon.WritePath, &req)
			}
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "erase <device> <partition> <block>",
			Short: "erase one block of a partition",
			Args:  cobra.ExactArgs(3),
		},
		withFlintClient,
		func(args []string, cli *client.FlintClient) error {
			block, err := strconv.ParseInt(args[2], 0, 64)
			if err != nil {
				return err
			}
			return docall(cli, daemon.ErasePath, &daemon.EraseReq{Device: args[0], Partition: args[1], Block: block})
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "devctl <device> <partition> <op>",
			Short: "block device control op (init, deinit, sync, count, size)",
			Args:  cobra.ExactArgs(3),
		},
		withFlintClient,
		func(args []string, cli *client.FlintClient) error {
			return cli.CallAndPrint(daemon.DevCtlPath, &daemon.DevCtlReq{Device: args[0], Partition: args[1], Op: args[2]})
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "boot <device> <slot or label>",
			Short: "select the slot to boot from",
			Args:  cobra.ExactArgs(2),
		},
		withFlintClient,
		func(args []string, cli *client.FlintClient) error {
			req := daemon.SetBootReq{Device: args[0]}
			if n, err := strconv.Atoi(args[1]); err == nil {
				req.Slot = n
			} else {
				req.Partition = args[1]
			}
			return docall(cli, daemon.SetBootPath, &req)
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "state <device>",
			Short: "print boot, running, and per slot ota state",
			Args:  cobra.ExactArgs(1),
		},
		withFlintClient,
		func(args []string, cli *client.FlintClient) error {
			return cli.CallAndPrint(daemon.StatePath, &daemon.StateReq{Device: args[0]})
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "next <device>",
			Short: "print the next update slot",
			Args:  cobra.ExactArgs(1),
		},
		withFlintClient,
		func(args []string, cli *client.FlintClient) error {
			return cli.CallAndPrint(daemon.NextUpdatePath, &daemon.NextUpdateReq{Device: args[0]})
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "mark <device> <valid|invalid>",
			Short: "mark the running slot valid or invalid",
			Args:  cobra.ExactArgs(2),
		},
		withFlintClient,
		func(args []string, cli *client.FlintClient) error {
			var path string
			switch args[1] {
			case "valid":
				path = daemon.MarkValidPath
			case "invalid":
				path = daemon.MarkInvalidPath
			default:
				return fmt.Errorf("mark %q: want valid or invalid", args[1])
			}
			return docall(cli, path, &daemon.MarkReq{Device: args[0]})
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "rollbackok <device>",
			Short: "check whether rollback from the running slot is possible",
			Args:  cobra.ExactArgs(1),
		},
		withFlintClient,
		func(args []string, cli *client.FlintClient) error {
			return cli.CallAndPrint(daemon.RollbackOkPath, &daemon.RollbackOkReq{Device: args[0]})
		},
	),

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "appdesc <device> [partition]",
			Short: "print the app descriptor of a slot (default: boot slot)",
			Args:  cobra.RangeArgs(1, 2),
		},
		withFlintClient,
		func(args []string, cli *client.FlintClient) error {
			req := daemon.AppDescReq{Device: args[0]}
			if len(args) > 1 {
				req.Partition = args[1]
			}
			return cli.CallAndPrint(daemon.AppDescPath, &req)
		},
	),

	flashCmd,

	cobrautil.Cmd(
		&cobra.Command{
			Use:   "debug",
			Short: "dump daemon state",
			Args:  cobra.NoArgs,
		},
		withFlintClient,
		func(c *cobra.Command) func(*client.FlintClient) error {
			tables := c.Flags().Bool("tables", false, "include partition tables")
			return func(cli *client.FlintClient) error {
				return cli.CallAndPrint(daemon.DebugPath, &daemon.DebugReq{IncludeTables: *tables})
			}
		},
	),
)

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
