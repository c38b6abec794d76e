package daemon

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/sys/unix"

	"github.com/dnr/flint/blockdev"
	"github.com/dnr/flint/common"
	"github.com/dnr/flint/common/errgroup"
	"github.com/dnr/flint/common/shift"
	"github.com/dnr/flint/common/systemd"
	"github.com/dnr/flint/flash"
	"github.com/dnr/flint/ota"
	"github.com/dnr/flint/ptable"
)

type (
	server struct {
		cfg     *Config
		fdstore systemd.FdStore
		db      *bbolt.DB
		zpool   *common.ZstdCtxPool
		bufPool *common.BufPool
		stats   daemonStats

		// stateLock serializes attach, detach, and restore
		stateLock sync.Mutex
		devs      common.SimpleSyncMap[string, *device]

		sessionId atomic.Uint64
		sessions  common.SimpleSyncMap[uint64, *otaSession]

		shutdownChan chan struct{}
		shutdownWait sync.WaitGroup
	}

	// device is one attached flash image. lock serializes all flash
	// operations on it (the block layer scratch buffer and the ota
	// select entries both need that).
	device struct {
		name      string
		blockSize int

		lock sync.Mutex
		fl   *flash.File
		tab  *ptable.Table // nil when the image has no table
		o    *ota.Ota      // created on first use
		bds  map[string]*blockdev.Device
	}

	otaSession struct {
		handle uint64
		dev    *device
		sess   *ota.Session
	}

	Config struct {
		// StateDir holds the database and the default socket.
		StateDir string
		// Socket overrides the control socket path.
		Socket string
		// Bind serves the same api on tcp if set (e.g. "127.0.0.1:7337").
		Bind string
		// BlockSize is the logical block size for devices that don't pick
		// their own at attach.
		BlockSize int

		// Workers limits concurrent image restores at startup.
		Workers int
	}
)

var reDevName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// init stuff

func FlintServer(cfg Config) *server {
	if cfg.Socket == "" {
		cfg.Socket = filepath.Join(cfg.StateDir, Socket)
	}
	cfg.BlockSize = cmpOr(cfg.BlockSize, flash.NativeBlockSize)
	cfg.Workers = cmpOr(cfg.Workers, 4)
	return &server{
		cfg:          &cfg,
		fdstore:      systemd.SystemdFdStore{},
		zpool:        common.GetZstdCtxPool(),
		bufPool:      common.NewBufPool(),
		devs:         *common.NewSimpleSyncMap[string, *device](),
		sessions:     *common.NewSimpleSyncMap[uint64, *otaSession](),
		shutdownChan: make(chan struct{}),
	}
}

func (s *server) openDb() (err error) {
	opts := bbolt.Options{
		NoFreelistSync: true,
		FreelistType:   bbolt.FreelistMapType,
	}
	s.db, err = bbolt.Open(filepath.Join(s.cfg.StateDir, dbFilename), 0644, &opts)
	if err != nil {
		return err
	}
	s.db.MaxBatchDelay = 100 * time.Millisecond

	checkSchemaVer := func(mb *bbolt.Bucket) error {
		b := mb.Get(metaSchema)
		if len(b) != 4 {
			ver := binary.LittleEndian.AppendUint32(nil, schemaLatest)
			return mb.Put(metaSchema, ver)
		}
		have := binary.LittleEndian.Uint32(b)
		if have != schemaLatest {
			return fmt.Errorf("mismatched schema version %d != %d", have, schemaLatest)
		}
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if mb, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		} else if _, err = tx.CreateBucketIfNotExists(deviceBucket); err != nil {
			return err
		} else if err = checkSchemaVer(mb); err != nil {
			return err
		}
		return nil
	})
}

// socket server + device management

// Does a transaction on a record in deviceBucket. f should mutate its
// argument and return nil. If f returns an error, the record will not be
// written.
func (s *server) deviceTx(name string, f func(*DeviceRecord) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var rec DeviceRecord
		b := tx.Bucket(deviceBucket)
		if buf := b.Get([]byte(name)); buf != nil {
			if err := json.Unmarshal(buf, &rec); err != nil {
				return err
			}
		}
		if err := f(&rec); err != nil {
			return err
		} else if buf, err := json.Marshal(&rec); err != nil {
			return err
		} else {
			return b.Put([]byte(name), buf)
		}
	})
}

// forEachRecord iterates deviceBucket in a view transaction, skipping
// records that don't decode.
func (s *server) forEachRecord(f func(rec *DeviceRecord)) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(deviceBucket).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var rec DeviceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				log.Print("unmarshal error iterating devices ", string(k), " ", err)
				continue
			}
			f(&rec)
		}
		return nil
	})
}

func (s *server) listenUnix() (net.Listener, error) {
	if fd, err := s.fdstore.GetFd(savedFdName); err == nil {
		f := os.NewFile(uintptr(fd), s.cfg.Socket)
		l, err := net.FileListener(f)
		f.Close()
		if err == nil {
			log.Println("restored control socket listener")
			return l, nil
		}
		s.fdstore.RemoveFd(savedFdName)
	}
	os.Remove(s.cfg.Socket)
	l, err := net.ListenUnix("unix", &net.UnixAddr{Net: "unix", Name: s.cfg.Socket})
	if err != nil {
		return nil, err
	}
	if f, err := l.File(); err == nil {
		s.fdstore.SaveFd(savedFdName, int(f.Fd()))
		f.Close()
	}
	return l, nil
}

func (s *server) startSocketServer() (err error) {
	mux := http.NewServeMux()
	mux.HandleFunc(AttachPath, jsonmw(s.handleAttachReq))
	mux.HandleFunc(DetachPath, jsonmw(s.handleDetachReq))
	mux.HandleFunc(ListPath, jsonmw(s.handleListReq))
	mux.HandleFunc(DebugPath, jsonmw(s.handleDebugReq))
	mux.HandleFunc(InfoPath, jsonmw(s.handleInfoReq))
	mux.HandleFunc(TablePath, jsonmw(s.handleTableReq))
	mux.HandleFunc(ReadPath, jsonmw(s.handleReadReq))
	mux.HandleFunc(WritePath, jsonmw(s.handleWriteReq))
	mux.HandleFunc(ErasePath, jsonmw(s.handleEraseReq))
	mux.HandleFunc(DevCtlPath, jsonmw(s.handleDevCtlReq))
	mux.HandleFunc(OtaBeginPath, jsonmw(s.handleOtaBeginReq))
	mux.HandleFunc(OtaWritePath, jsonmw(s.handleOtaWriteReq))
	mux.HandleFunc(OtaEndPath, jsonmw(s.handleOtaEndReq))
	mux.HandleFunc(OtaAbortPath, jsonmw(s.handleOtaAbortReq))
	mux.HandleFunc(SetBootPath, jsonmw(s.handleSetBootReq))
	mux.HandleFunc(NextUpdatePath, jsonmw(s.handleNextUpdateReq))
	mux.HandleFunc(StatePath, jsonmw(s.handleStateReq))
	mux.HandleFunc(MarkValidPath, jsonmw(s.handleMarkValidReq))
	mux.HandleFunc(MarkInvalidPath, jsonmw(s.handleMarkInvalidReq))
	mux.HandleFunc(RollbackOkPath, jsonmw(s.handleRollbackOkReq))
	mux.HandleFunc(AppDescPath, jsonmw(s.handleAppDescReq))

	ul, err := s.listenUnix()
	if err != nil {
		return err
	}
	s.serveOn(ul, mux)

	if s.cfg.Bind != "" {
		tl, err := net.Listen("tcp", s.cfg.Bind)
		if err != nil {
			return err
		}
		s.serveOn(tl, mux)
	}
	return nil
}

func (s *server) serveOn(l net.Listener, mux *http.ServeMux) {
	s.shutdownWait.Add(1)
	go func() {
		defer s.shutdownWait.Done()
		srv := &http.Server{Handler: mux}
		go srv.Serve(l)
		<-s.shutdownChan
		log.Printf("stopping http server on %s", l.Addr())
		srv.Close()
	}()
}

type errWithStatus struct {
	error
	status int
}

func mwErr(status int, format string, a ...any) error {
	return &errWithStatus{
		error:  fmt.Errorf(format, a...),
		status: status,
	}
}

func mwErrE(status int, e error) error {
	return &errWithStatus{
		error:  e,
		status: status,
	}
}

// mapErr turns known error kinds into http statuses: missing things are
// 404, rejected arguments 400, read only partitions 403.
func mapErr(err error) error {
	if err == nil {
		return nil
	} else if _, ok := err.(*errWithStatus); ok {
		return err
	} else if common.IsNotFound(err) || errors.Is(err, os.ErrNotExist) {
		return mwErrE(http.StatusNotFound, err)
	} else if errors.Is(err, flash.ErrInvalidArg) || errors.Is(err, blockdev.ErrUnsupported) {
		return mwErrE(http.StatusBadRequest, err)
	} else if errors.Is(err, flash.ErrReadOnly) {
		return mwErrE(http.StatusForbidden, err)
	}
	return err
}

// mapErrReq is mapErr for handlers where any remaining error means a bad
// request rather than a daemon fault.
func mapErrReq(err error) error {
	err = mapErr(err)
	if _, ok := err.(*errWithStatus); ok || err == nil {
		return err
	}
	return mwErrE(http.StatusBadRequest, err)
}

func jsonmw[reqT, resT any](f func(context.Context, *reqT) (*resT, error)) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				log.Println("http handler panic", r)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		wEnc := json.NewEncoder(w)

		var req reqT
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			wEnc.Encode(nil)
			return
		}

		parts := make([]any, 0, 7)
		parts = append(parts, r.URL.Path)

		if encReq, err := json.Marshal(req); err == nil {
			parts = append(parts, " ", clip(string(encReq), 120))
		}

		res, err := f(r.Context(), &req)

		if err == nil {
			w.WriteHeader(http.StatusOK)
			if res != nil {
				wEnc.Encode(res)
			} else {
				wEnc.Encode(&Status{Success: true})
			}
			parts = append(parts, " -> ", "OK")
			log.Print(parts...)
			return
		}

		status := http.StatusInternalServerError
		if ewc, ok := err.(*errWithStatus); ok {
			status = ewc.status
		}

		w.WriteHeader(status)
		if res != nil {
			wEnc.Encode(res)
		} else {
			wEnc.Encode(&Status{Success: false, Error: err.Error()})
		}
		parts = append(parts, " -> ", err.Error())
		log.Print(parts...)
	}
}

// clip keeps request logging bounded, write payloads can be big
func clip(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func (s *server) handleAttachReq(ctx context.Context, r *AttachReq) (*Status, error) {
	blockSize := cmpOr(r.BlockSize, s.cfg.BlockSize)
	bs := int64(blockSize)
	if !reDevName.MatchString(r.Name) {
		return nil, mwErr(http.StatusBadRequest, "invalid device name %q", r.Name)
	} else if !strings.HasPrefix(r.Path, "/") {
		return nil, mwErr(http.StatusBadRequest, "image path must be an absolute path")
	} else if r.Size < 0 || !flash.NativeBlockShift.Aligned(r.Size) {
		return nil, mwErr(http.StatusBadRequest, "image size must be a multiple of %d", flash.NativeBlockSize)
	} else if bs <= 0 || (bs < flash.NativeBlockSize && flash.NativeBlockSize%bs != 0) ||
		(bs >= flash.NativeBlockSize && !flash.NativeBlockShift.Aligned(bs)) {
		return nil, mwErr(http.StatusBadRequest, "block size must divide or be a multiple of %d", flash.NativeBlockSize)
	}

	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	if _, ok := s.devs.Get(r.Name); ok {
		// already attached, return success so callers can retry after
		// a crash on their side
		return nil, nil
	}

	err := s.deviceTx(r.Name, func(rec *DeviceRecord) error {
		rec.Name = r.Name
		rec.Path = r.Path
		rec.Size = r.Size
		rec.BlockSize = blockSize
		rec.State = StateRequested
		rec.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nil, mapErr(s.tryAttach(r.Name, r.Path, r.Size, blockSize))
}

// tryAttach opens the image, records the outcome, and publishes the
// device. Callers hold stateLock.
func (s *server) tryAttach(name, path string, size int64, blockSize int) error {
	d, err := s.openDevice(name, path, size, blockSize)
	_ = s.deviceTx(name, func(rec *DeviceRecord) error {
		if err != nil {
			rec.State = StateError
			rec.LastError = err.Error()
		} else {
			rec.State = StateAttached
			rec.Size = d.fl.Size()
			rec.LastError = ""
		}
		return nil
	})
	if err != nil {
		s.stats.attachErrs.Add(1)
		return err
	}
	s.devs.Put(name, d)
	s.stats.attaches.Add(1)
	return nil
}

func (s *server) openDevice(name, path string, size int64, blockSize int) (*device, error) {
	var fl *flash.File
	var err error
	if _, serr := os.Stat(path); size > 0 && errors.Is(serr, os.ErrNotExist) {
		fl, err = flash.CreateFile(path, size)
	} else {
		fl, err = flash.OpenFile(path)
	}
	if err != nil {
		return nil, err
	}
	if size > 0 && fl.Size() != size {
		fl.Close()
		return nil, fmt.Errorf("%w: image %s is %d bytes, requested %d",
			flash.ErrInvalidArg, path, fl.Size(), size)
	}
	tab, err := ptable.Read(fl)
	if err != nil {
		fl.Close()
		return nil, fmt.Errorf("reading partition table: %w", err)
	}
	d := &device{
		name:      name,
		blockSize: blockSize,
		fl:        fl,
		bds:       make(map[string]*blockdev.Device),
	}
	if len(tab.Parts) > 0 {
		d.tab = tab
	}
	return d, nil
}

func (s *server) handleDetachReq(ctx context.Context, r *DetachReq) (*Status, error) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	err := s.deviceTx(r.Name, func(rec *DeviceRecord) error {
		if rec.State != StateAttached && rec.State != StateError {
			return mwErr(http.StatusNotFound, "device %q is not attached", r.Name)
		}
		rec.State = StateDetached
		rec.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	d, ok := s.devs.GetAndDel(r.Name)
	if !ok {
		return nil, nil
	}
	// kill open update sessions on this image
	for _, sn := range s.sessions.Values() {
		if sn.dev == d {
			s.sessions.Del(sn.handle)
			sn.sess.Abort()
		}
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	return nil, d.fl.Close()
}

func (s *server) handleListReq(ctx context.Context, r *ListReq) (*ListResp, error) {
	res := &ListResp{}
	err := s.forEachRecord(func(rec *DeviceRecord) {
		res.Devices = append(res.Devices, *rec)
	})
	return common.ValOrErr(res, err)
}

func (s *server) restoreDevices() {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	var toRestore []*DeviceRecord
	_ = s.forEachRecord(func(rec *DeviceRecord) {
		if rec.State == StateAttached || rec.State == StateRequested {
			r := *rec
			toRestore = append(toRestore, &r)
		}
	})

	eg := errgroup.WithContext(context.Background())
	eg.SetLimit(s.cfg.Workers)
	for _, rec := range toRestore {
		eg.Go(func() error {
			if _, ok := s.devs.Get(rec.Name); ok {
				return nil
			}
			err := s.tryAttach(rec.Name, rec.Path, 0, cmpOr(rec.BlockSize, s.cfg.BlockSize))
			if err == nil {
				log.Print("restoring: ", rec.Name, " attached from ", rec.Path)
			} else {
				log.Print("restoring: ", rec.Name, " error: ", err)
			}
			return nil
		})
	}
	eg.Wait()
}

// request helpers

func (s *server) getDevice(name string) (*device, error) {
	d, ok := s.devs.Get(name)
	if !ok {
		return nil, mwErr(http.StatusNotFound, "device %q is not attached", name)
	}
	return d, nil
}

func (s *server) getSession(h uint64) (*otaSession, error) {
	sn, ok := s.sessions.Get(h)
	if !ok {
		return nil, mwErr(http.StatusNotFound, "unknown update handle %d", h)
	}
	return sn, nil
}

func (d *device) partition(label string) (*ptable.Partition, error) {
	if label == "" {
		return nil, mwErr(http.StatusBadRequest, "missing partition label")
	} else if d.tab == nil {
		return nil, common.NotFoundErrorf("device %s has no partition table", d.name)
	}
	return d.tab.FindLabel(label)
}

// blockDevice returns the cached block view of one partition. Callers
// hold d.lock across use (the sub-native scratch buffer is shared).
func (d *device) blockDevice(label string) (*blockdev.Device, error) {
	if bd, ok := d.bds[label]; ok {
		return bd, nil
	}
	p, err := d.partition(label)
	if err != nil {
		return nil, err
	}
	region, err := p.Region(d.fl)
	if err != nil {
		return nil, err
	}
	bd, err := blockdev.New(region, d.blockSize)
	if err != nil {
		return nil, err
	}
	d.bds[label] = bd
	return bd, nil
}

// ota returns the update manager, created on first use. Callers hold
// d.lock.
func (d *device) ota() (*ota.Ota, error) {
	if d.o != nil {
		return d.o, nil
	} else if d.tab == nil {
		return nil, common.NotFoundErrorf("device %s has no partition table", d.name)
	}
	o, err := ota.New(d.fl, d.tab)
	if err != nil {
		return nil, err
	}
	d.o = o
	return o, nil
}

// payload returns the request payload, decompressing a zstd frame into a
// pooled buffer if needed. done must be called once the payload has been
// consumed.
func (s *server) payload(data []byte, compressed bool) (out []byte, done func(), err error) {
	if !compressed {
		return data, func() {}, nil
	}
	dst := s.bufPool.Get(int(shift.DefaultChunkShift.Size()))
	out, err = s.zpool.Decompress(dst, data)
	if err != nil {
		s.bufPool.Put(dst)
		return nil, nil, mwErr(http.StatusBadRequest, "zstd decompress: %v", err)
	} else if len(out) > maxPayload {
		s.bufPool.Put(dst)
		return nil, nil, mwErr(http.StatusBadRequest, "payload of %d bytes is too big", len(out))
	}
	return out, func() { s.bufPool.Put(dst) }, nil
}

// daemon lifecycle

func (s *server) Start() error {
	if err := os.MkdirAll(s.cfg.StateDir, 0700); err != nil {
		return err
	}
	if err := s.openDb(); err != nil {
		return err
	}
	if err := s.startSocketServer(); err != nil {
		return err
	}
	log.Println(common.Version, "daemon ready, state in", s.cfg.StateDir)
	s.fdstore.Ready()
	s.restoreDevices()
	return nil
}

// Run starts the daemon and blocks until SIGINT or SIGTERM.
func (s *server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
	log.Println("got signal", <-ch)
	s.Stop()
	return nil
}

func (s *server) Stop() {
	log.Print("stopping daemon...")
	close(s.shutdownChan) // stops the http servers
	s.shutdownWait.Wait()

	for _, sn := range s.sessions.Values() {
		s.sessions.Del(sn.handle)
		sn.sess.Abort()
	}
	for _, d := range s.devs.Values() {
		d.lock.Lock()
		if err := d.fl.Close(); err != nil {
			log.Print("closing ", d.name, ": ", err)
		}
		d.lock.Unlock()
	}
	s.db.Close()
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
