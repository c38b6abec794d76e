package daemon

const (
	dbFilename = "flint.bolt"

	// fd store name for the control socket listener
	savedFdName = "listener"

	// cap on a single read or decompressed write payload
	maxPayload = 4 << 20
)

const (
	schemaV0 uint32 = iota

	schemaLatest = schemaV0
)

var (
	metaBucket   = []byte("meta")
	deviceBucket = []byte("device")

	metaSchema = []byte("schema")
)
