package main

import (
	"context"
	"io"
	"log"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/dnr/flint/common"
	"github.com/dnr/flint/common/client"
	"github.com/dnr/flint/common/cobrautil"
	"github.com/dnr/flint/common/errgroup"
	"github.com/dnr/flint/common/shift"
	"github.com/dnr/flint/daemon"
	"github.com/dnr/flint/imgsrc"
)

type flashArgs struct {
	partition string
	noBoot    bool
	raw       bool
	inflight  int64
}

var flashCmd = cobrautil.Cmd(
	&cobra.Command{
		Use:   "flash <device> <image ref>",
		Short: "write a firmware image to an ota slot and select it for boot",
		Long: `Flash streams a firmware image into an ota slot through an update
session, then selects the slot for the next boot. The image may be a
local file, an http[s] url, or an s3://bucket/key object, and is
decompressed on the fly if the ref ends in .zst.`,
		Args: cobra.ExactArgs(2),
	},
	withFlintClient,
	func(c *cobra.Command) *flashArgs {
		var fargs flashArgs
		c.Flags().StringVarP(&fargs.partition, "partition", "p", "", "target slot (default: next update slot)")
		c.Flags().BoolVar(&fargs.noBoot, "no_boot", false, "flash only, do not select for boot")
		c.Flags().BoolVar(&fargs.raw, "raw", false, "send chunks uncompressed")
		c.Flags().Int64Var(&fargs.inflight, "inflight", 8, "max chunks in flight")
		return &fargs
	},
	runFlash,
)

func runFlash(ctx context.Context, args []string, fargs *flashArgs, cli *client.FlintClient) error {
	img, err := imgsrc.Open(ctx, args[1])
	if err != nil {
		return err
	}
	defer img.Close()

	breq := daemon.OtaBeginReq{Device: args[0], Partition: fargs.partition}
	if img.Size > 0 {
		breq.Size = img.Size
	}
	var begin daemon.OtaBeginResp
	status, err := cli.Call(daemon.OtaBeginPath, &breq, &begin)
	if err != nil {
		return err
	} else if status != http.StatusOK {
		return common.NewHttpError(status, "")
	}
	log.Printf("flashing %s to %s:%s", args[1], args[0], begin.Partition)

	// Chunks are compressed and written by a pool of goroutines, each at
	// its own offset. The slot was erased by begin, so out of order
	// writes are fine.
	zpool := common.GetZstdCtxPool()
	bufPool := common.NewBufPool()
	chunkSize := int(shift.DefaultChunkShift.Size())
	sem := semaphore.NewWeighted(fargs.inflight)
	eg := errgroup.WithContext(ctx)

	var off int64
	var readErr error
	for {
		if err := sem.Acquire(eg, 1); err != nil {
			readErr = err
			break
		}
		_buf := bufPool.Get(chunkSize)
		n, rerr := io.ReadFull(img, _buf[:chunkSize])
		if n == 0 {
			sem.Release(1)
			bufPool.Put(_buf)
			if rerr != io.EOF {
				readErr = rerr
			}
			break
		}
		data := _buf[:n]
		woff := off
		off += int64(n)
		eg.Go(func() error {
			defer sem.Release(1)
			defer bufPool.Put(_buf)
			wreq := daemon.OtaWriteReq{Handle: begin.Handle, Off: &woff, Data: data}
			if !fargs.raw {
				var zerr error
				if wreq.Data, zerr = zpool.Compress(nil, data); zerr != nil {
					return zerr
				}
				wreq.Zstd = true
			}
			return docall(cli, daemon.OtaWritePath, &wreq)
		})
		if rerr != nil {
			// short read means that was the last chunk
			if rerr != io.ErrUnexpectedEOF {
				readErr = rerr
			}
			break
		}
	}
	// a failed upload cancels the group and fails the acquire, so the
	// group error is the root cause
	if err := cmpOr(eg.Wait(), readErr); err != nil {
		docall(cli, daemon.OtaAbortPath, &daemon.OtaAbortReq{Handle: begin.Handle})
		return err
	}

	if err := docall(cli, daemon.OtaEndPath, &daemon.OtaEndReq{Handle: begin.Handle}); err != nil {
		return err
	}
	log.Printf("flashed %d bytes to %s", off, begin.Partition)

	if fargs.noBoot {
		return nil
	}
	err = docall(cli, daemon.SetBootPath, &daemon.SetBootReq{Device: args[0], Partition: begin.Partition})
	if err != nil {
		return err
	}
	log.Println("boot slot set to", begin.Partition)
	return nil
}

// cmpOr is cmp.Or from Go 1.22, inlined to allow building with Go 1.21.
func cmpOr[T comparable](vals ...T) T {
	var zero T
	for _, val := range vals {
		if val != zero {
			return val
		}
	}
	return zero
}
