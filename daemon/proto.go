package daemon

var (
	// protocol is json over http over unix socket
	// socket is path.Join(StateDir, Socket)
	// accessible to root only!
	Socket = "flint.sock"

	AttachPath = "/attach"
	DetachPath = "/detach"
	ListPath   = "/list"
	DebugPath  = "/debug"

	InfoPath   = "/info"
	TablePath  = "/table"
	ReadPath   = "/read"
	WritePath  = "/write"
	ErasePath  = "/erase"
	DevCtlPath = "/devctl"

	OtaBeginPath    = "/ota/begin"
	OtaWritePath    = "/ota/write"
	OtaEndPath      = "/ota/end"
	OtaAbortPath    = "/ota/abort"
	SetBootPath     = "/ota/setboot"
	NextUpdatePath  = "/ota/next"
	StatePath       = "/ota/state"
	MarkValidPath   = "/ota/markvalid"
	MarkInvalidPath = "/ota/markinvalid"
	RollbackOkPath  = "/ota/rollbackok"
	AppDescPath     = "/ota/appdesc"
)

// devctl ops
const (
	CtlInit   = "init"
	CtlDeinit = "deinit"
	CtlSync   = "sync"
	CtlCount  = "count"
	CtlSize   = "size"
)

type AttachState string

const (
	StateRequested AttachState = "requested"
	StateAttached  AttachState = "attached"
	StateDetached  AttachState = "detached"
	StateError     AttachState = "error"
)

type (
	// DeviceRecord is the persistent state of one image, stored as json
	// in the device bucket.
	DeviceRecord struct {
		Name      string
		Path      string
		Size      int64
		BlockSize int
		State     AttachState
		LastError string `json:",omitempty"`
	}

	AttachReq struct {
		Name string // handle used by all other requests
		Path string // backing image file, absolute
		Size int64  // create the image with this size if it doesn't exist
		// BlockSize is the logical block size for read/write/erase.
		// 0 means the daemon default.
		BlockSize int
	}

	DetachReq struct {
		Name string
	}

	ListReq struct {
	}
	ListResp struct {
		Devices []DeviceRecord
	}

	// PartInfo is the partition tuple from the table, plus decoded names.
	PartInfo struct {
		Type      uint8
		SubType   uint8
		Offset    int64
		Size      int64
		Label     string
		Encrypted bool
		ReadOnly  bool

		TypeName    string
		SubTypeName string
	}

	InfoReq struct {
		Device    string
		Partition string
	}

	TableReq struct {
		Device string
	}
	TableResp struct {
		Parts []PartInfo
		Csv   string
	}

	ReadReq struct {
		Device    string
		Partition string
		Block     int64
		Length    int64  // bytes; a multiple of the block size unless Off is set
		Off       *int64 // byte offset from Block; allows arbitrary Length
	}
	ReadResp struct {
		Data []byte
	}

	WriteReq struct {
		Device    string
		Partition string
		Block     int64
		// Off writes at a byte offset from Block without the erase cycle.
		// The target range must be erased already.
		Off  *int64
		Data []byte // raw, or one zstd frame if Zstd is set
		Zstd bool
	}

	EraseReq struct {
		Device    string
		Partition string
		Block     int64
	}

	DevCtlReq struct {
		Device    string
		Partition string
		Op        string // one of the Ctl consts
	}
	DevCtlResp struct {
		Value int64
	}

	OtaBeginReq struct {
		Device string
		// Size is the expected image size. 0 or less erases the whole slot
		// up front.
		Size int64
		// Partition overrides the target slot (default: the slot after
		// the running one).
		Partition string
	}
	OtaBeginResp struct {
		Handle    uint64
		Partition string
		Size      int64 // capacity of the slot
	}

	OtaWriteReq struct {
		Handle uint64
		Off    *int64 // byte offset in the image (default: sequential)
		Data   []byte // raw, or one zstd frame if Zstd is set
		Zstd   bool
	}

	OtaEndReq struct {
		Handle uint64
	}
	OtaAbortReq struct {
		Handle uint64
	}

	SetBootReq struct {
		Device    string
		Slot      int
		Partition string // slot label, overrides Slot if set
	}

	NextUpdateReq struct {
		Device string
	}
	NextUpdateResp struct {
		Slot      int
		Partition PartInfo
	}

	StateReq struct {
		Device string
	}
	SlotState struct {
		Slot  int
		Label string
		State string
	}
	StateResp struct {
		Running string
		Boot    string
		Factory string `json:",omitempty"`
		Slots   []SlotState
	}

	// MarkReq is shared by markvalid and markinvalid. Both act on the
	// running slot.
	MarkReq struct {
		Device string
	}

	RollbackOkReq struct {
		Device string
	}
	RollbackOkResp struct {
		Ok bool
	}

	AppDescReq struct {
		Device    string
		Partition string // default: the boot slot
	}
	AppDescResp struct {
		Partition     string
		SecureVersion uint32
		Version       string
		ProjectName   string
		Time          string
		Date          string
		IdfVer        string
		Sha256        string
	}

	Status struct {
		Success bool
		Error   string
	}
	genericResp struct {
		Status
	}
)
