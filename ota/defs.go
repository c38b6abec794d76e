// Package ota keeps esp-idf ota bookkeeping for a flash image: boot slot
// selection through the otadata partition, image state for rollback, and
// update sessions that stream a new app image into a slot.
//
// Layouts and semantics follow the esp-idf sources:
// https://github.com/espressif/esp-idf/blob/master/components/bootloader_support/include/esp_flash_partitions.h
// https://github.com/espressif/esp-idf/blob/master/components/esp_app_format/include/esp_app_format.h
// https://github.com/espressif/esp-idf/blob/master/components/app_update/esp_ota_ops.c
package ota

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/dnr/flint/common"
	"github.com/lunixbochs/struc"
)

const (
	// typedef enum {
	//     ESP_OTA_IMG_NEW            = 0x0U,
	//     ESP_OTA_IMG_PENDING_VERIFY = 0x1U,
	//     ESP_OTA_IMG_VALID          = 0x2U,
	//     ESP_OTA_IMG_INVALID        = 0x3U,
	//     ESP_OTA_IMG_ABORTED        = 0x4U,
	//     ESP_OTA_IMG_UNDEFINED      = 0xFFFFFFFFU,
	// } esp_ota_img_states_t;
	StateNew           State = 0x0
	StatePendingVerify State = 0x1
	StateValid         State = 0x2
	StateInvalid       State = 0x3
	StateAborted       State = 0x4
	StateUndefined     State = 0xFFFFFFFF

	// an entry is valid iff its crc matches and the seq is not erased
	invalidSeq = 0xFFFFFFFF

	// passed to Begin to erase the whole slot up front
	SizeUnknown = -1

	ESP_IMAGE_HEADER_MAGIC  = 0xE9
	ESP_APP_DESC_MAGIC_WORD = 0xABCD5432

	// the app descriptor sits after the image header and the first
	// segment header
	ESP_APP_DESC_OFFSET = 32
)

type State uint32

var stateNames = map[State]string{
	StateNew:           "new",
	StatePendingVerify: "verify",
	StateValid:         "valid",
	StateInvalid:       "invalid",
	StateAborted:       "aborted",
	StateUndefined:     "undefined",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Bootable reports whether a slot in this state may be picked at boot or
// rolled back to.
func (s State) Bootable() bool {
	return s != StateInvalid && s != StateAborted
}

// typedef struct {
//     uint32_t ota_seq;
//     uint8_t  seq_label[20];
//     uint32_t ota_state;
//     uint32_t crc;                /* CRC32 of ota_seq field only */
// } esp_ota_select_entry_t;
//
// The otadata partition holds two of these, one at the start of each of
// its two 4 KiB sectors.
type selectEntry struct {
	Seq   uint32
	Label [20]byte
	State uint32
	Crc   uint32
}

const selectEntrySize = 32

func (e *selectEntry) valid() bool {
	return e.Seq != invalidSeq && e.Crc == seqCrc(e.Seq)
}

// seqCrc is bootloader_common_ota_select_crc: crc32 of the seq field
// alone, seeded with all ones.
func seqCrc(seq uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], seq)
	return crc32.Update(0xFFFFFFFF, crc32.IEEETable, b[:])
}

// typedef struct {
//     uint8_t  magic;              /* 0xE9 */
//     uint8_t  segment_count;
//     uint8_t  spi_mode;
//     uint8_t  spi_speed : 4;
//     uint8_t  spi_size : 4;
//     uint32_t entry_addr;
//     uint8_t  wp_pin;
//     uint8_t  spi_pin_drv[3];
//     esp_chip_id_t chip_id;       /* uint16 */
//     uint8_t  min_chip_rev;
//     uint16_t min_chip_rev_full;
//     uint16_t max_chip_rev_full;
//     uint8_t  reserved[4];
//     uint8_t  hash_appended;
// } esp_image_header_t;
type imageHeader struct {
	Magic          uint8
	SegmentCount   uint8
	SpiMode        uint8
	SpiSpeedSize   uint8
	EntryAddr      uint32
	WpPin          uint8
	SpiPinDrv      [3]uint8
	ChipId         uint16
	MinChipRev     uint8
	MinChipRevFull uint16
	MaxChipRevFull uint16
	Reserved       [4]uint8
	HashAppended   uint8
}

const imageHeaderSize = 24

// typedef struct {
//     uint32_t load_addr;
//     uint32_t data_len;
// } esp_image_segment_header_t;
type segmentHeader struct {
	LoadAddr uint32
	DataLen  uint32
}

const segmentHeaderSize = 8

// typedef struct {
//     uint32_t magic_word;         /* ESP_APP_DESC_MAGIC_WORD */
//     uint32_t secure_version;
//     uint32_t reserv1[2];
//     char     version[32];
//     char     project_name[32];
//     char     time[16];
//     char     date[16];
//     char     idf_ver[32];
//     uint8_t  app_elf_sha256[32];
//     uint32_t reserv2[20];
// } esp_app_desc_t;
type appDesc struct {
	Magic         uint32
	SecureVersion uint32
	Reserv1       [2]uint32
	Version       [32]byte
	ProjectName   [32]byte
	Time          [16]byte
	Date          [16]byte
	IdfVer        [32]byte
	Sha256        [32]byte
	Reserv2       [20]uint32
}

const appDescSize = 256

var _popts = struc.Options{Order: binary.LittleEndian}

func pack(out io.Writer, v any) error {
	return struc.PackWithOptions(out, v, &_popts)
}

func packToBytes(v any) ([]byte, error) {
	var b bytes.Buffer
	err := struc.PackWithOptions(&b, v, &_popts)
	return common.ValOrErr(b.Bytes(), err)
}

func unpack(in io.Reader, v any) error {
	return struc.UnpackWithOptions(in, v, &_popts)
}
